package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// apiClient JSON-over-HTTP helper shared by the REST providers
type apiClient struct {
	provider string
	baseURL  string
	http     *http.Client
	header   http.Header
}

func newAPIClient(provider, defaultBase string, s Settings) (*apiClient, error) {
	base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if base == "" {
		base = defaultBase
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, &ProviderError{Provider: provider, Op: "configure", Err: fmt.Errorf("invalid base_url %q: %w", base, err)}
	}
	hc, err := s.httpClient()
	if err != nil {
		return nil, &ProviderError{Provider: provider, Op: "configure", Err: err}
	}
	return &apiClient{provider: provider, baseURL: base, http: hc, header: http.Header{}}, nil
}

// do sends a request and decodes a JSON body into out (when non-nil).
func (c *apiClient) do(ctx context.Context, op, method, path string, query url.Values, header http.Header, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &ProviderError{Provider: c.provider, Op: op, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &ProviderError{Provider: c.provider, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &ProviderError{Provider: c.provider, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &ProviderError{Provider: c.provider, Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{Provider: c.provider, Op: op, Status: resp.StatusCode, Err: errors.New(snippet(raw))}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProviderError{Provider: c.provider, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}

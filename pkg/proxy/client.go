package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// ClientOption tunes NewHTTPClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	fallbackDirect bool
	transport      *http.Transport
}

// WithDirectFallback retries a request once without the proxy when the proxy
// itself fails (dial error, 407, 502, 503).
func WithDirectFallback() ClientOption {
	return func(o *clientOptions) { o.fallbackDirect = true }
}

// WithBaseTransport uses t (cloned) as the template transport.
func WithBaseTransport(t *http.Transport) ClientOption {
	return func(o *clientOptions) { o.transport = t }
}

// NewHTTPClient creates an HTTP client routed through s;
// a zero Setting gives a direct client.
// Supports SOCKS5 (socks5 / socks5h) and HTTP/HTTPS proxies.
func NewHTTPClient(s Setting, timeout time.Duration, opts ...ClientOption) (*http.Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}
	base := o.transport
	if base == nil {
		base = http.DefaultTransport.(*http.Transport)
	}

	direct := base.Clone()
	direct.Proxy = nil

	if !s.Enabled() {
		return &http.Client{Transport: direct, Timeout: timeout}, nil
	}

	proxied, err := proxiedTransport(base, s)
	if err != nil {
		return nil, err
	}

	var rt http.RoundTripper = proxied
	if o.fallbackDirect {
		rt = &fallbackTransport{proxied: proxied, direct: direct}
	}
	return &http.Client{Transport: rt, Timeout: timeout}, nil
}

func proxiedTransport(base *http.Transport, s Setting) (*http.Transport, error) {
	t := base.Clone()

	switch s.URL.Scheme {
	case "http", "https":
		proxyURL := s.URL
		t.Proxy = func(req *http.Request) (*url.URL, error) {
			if s.Bypass(req.URL.Hostname()) {
				return nil, nil
			}
			return proxyURL, nil
		}
		return t, nil

	case "socks5", "socks5h":
		dialer, err := xproxy.FromURL(s.URL, xproxy.Direct)
		if err != nil {
			return nil, &Error{Raw: s.String(), Reason: fmt.Sprintf("create SOCKS5 dialer: %v", err)}
		}
		directDialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		t.Proxy = nil
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, _ := net.SplitHostPort(addr)
			if s.Bypass(host) {
				return directDialer.DialContext(ctx, network, addr)
			}
			if cd, ok := dialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
		return t, nil

	default:
		return nil, &Error{Raw: s.String(), Reason: fmt.Sprintf("unsupported scheme %q", s.URL.Scheme)}
	}
}

// fallbackTransport 代理失败时直连重试一次
type fallbackTransport struct {
	proxied http.RoundTripper
	direct  http.RoundTripper
}

func (f *fallbackTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := f.proxied.RoundTrip(req)
	if !isProxyFailure(resp, err) || !replayable(req) {
		return resp, err
	}

	retry := req.Clone(req.Context())
	if req.Body != nil && req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return resp, err
		}
		retry.Body = body
	}

	directResp, directErr := f.direct.RoundTrip(retry)
	if directErr != nil {
		// 直连也失败，返回原始结果
		if directResp != nil {
			directResp.Body.Close()
		}
		return resp, err
	}
	if resp != nil {
		resp.Body.Close()
	}
	return directResp, nil
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func isProxyFailure(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return true
		}
		msg := strings.ToLower(err.Error())
		return strings.Contains(msg, "proxy") || strings.Contains(msg, "socks")
	}
	switch resp.StatusCode {
	case http.StatusProxyAuthRequired, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

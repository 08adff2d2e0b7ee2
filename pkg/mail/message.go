package mail

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/net/html"
)

// messageText extracts readable text from an RFC 5322 message:
// text/plain parts verbatim, text/html parts with tags stripped.
func messageText(raw []byte) (string, error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return string(raw), err
	}
	var sb strings.Builder
	err = collectText(&sb, m.Header.Get("Content-Type"), m.Header.Get("Content-Transfer-Encoding"), m.Body, 0)
	return sb.String(), err
}

func collectText(sb *strings.Builder, contentType, encoding string, body io.Reader, depth int) error {
	if depth > 8 {
		return nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			// multipart.Reader 已自动解 quoted-printable
			enc := p.Header.Get("Content-Transfer-Encoding")
			if strings.EqualFold(enc, "quoted-printable") {
				enc = ""
			}
			if err := collectText(sb, p.Header.Get("Content-Type"), enc, p, depth+1); err != nil {
				return err
			}
		}
	}

	if !strings.HasPrefix(mediaType, "text/") {
		return nil
	}
	data, err := io.ReadAll(decodeTransfer(encoding, body))
	if err != nil {
		return err
	}
	if mediaType == "text/html" {
		sb.WriteString(htmlText(string(data)))
	} else {
		sb.Write(data)
	}
	sb.WriteString("\n")
	return nil
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, &newlineStripper{r: r})
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

// newlineStripper base64 正文按行折叠，解码前去掉换行
type newlineStripper struct {
	r io.Reader
}

func (n *newlineStripper) Read(p []byte) (int, error) {
	for {
		c, err := n.r.Read(p)
		out := p[:0]
		for _, b := range p[:c] {
			if b != '\r' && b != '\n' {
				out = append(out, b)
			}
		}
		if len(out) > 0 || err != nil {
			return len(out), err
		}
	}
}

// htmlText returns the visible text of an HTML document.
func htmlText(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var sb strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			if tag := string(name); tag == "style" || tag == "script" {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); (tag == "style" || tag == "script") && skip > 0 {
				skip--
			}
			sb.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

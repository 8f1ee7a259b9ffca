// Package httpx edits the head of a raw HTTP/1.x request in flight, for the
// agent side of a tunnel where the request is relayed as bytes rather than
// re-encoded by net/http.
package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxHeaderBytes bounds how much of a request head is buffered.
const MaxHeaderBytes = 64 << 10

var ErrHeaderTooLarge = errors.New("httpx: request head too large")

// Header is one header field, name case preserved as seen on the wire.
type Header struct {
	Name  string
	Value string
}

// RequestHead is a parsed request line plus header fields.
type RequestHead struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
}

// Get returns the first value for name (case-insensitive) or "".
func (p *RequestHead) Get(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Set replaces the first field called name, or appends one.
func (p *RequestHead) Set(name, value string) {
	for i, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			p.Headers[i].Value = value
			return
		}
	}
	p.Headers = append(p.Headers, Header{Name: name, Value: value})
}

// Del removes every field called name.
func (p *RequestHead) Del(name string) {
	out := p.Headers[:0]
	for _, h := range p.Headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	p.Headers = out
}

func (p *RequestHead) ReplaceHost(host string) {
	if host != "" {
		p.Set("Host", host)
	}
}

func (p *RequestHead) StripHost() { p.Del("Host") }

// ReadRequestHead consumes a request head from r, leaving the body unread.
func ReadRequestHead(r *bufio.Reader) (*RequestHead, error) {
	var (
		head  *RequestHead
		total int
	)
	for {
		line, err := r.ReadString('\n')
		total += len(line)
		if total > MaxHeaderBytes {
			return nil, ErrHeaderTooLarge
		}
		if err != nil {
			if errors.Is(err, io.EOF) && head != nil && line == "" {
				return head, nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if head == nil {
			if line == "" {
				continue
			}
			parts := strings.SplitN(line, " ", 3)
			if len(parts) < 3 {
				return nil, fmt.Errorf("httpx: bad request line %q", line)
			}
			head = &RequestHead{Method: parts[0], URI: parts[1], Proto: parts[2]}
			continue
		}
		if line == "" {
			return head, nil
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		head.Headers = append(head.Headers, Header{Name: line[:colon], Value: strings.TrimSpace(line[colon+1:])})
	}
}

// WriteTo writes the head, terminated by the blank line.
func (p *RequestHead) WriteTo(w io.Writer) (int64, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", p.Method, p.URI, p.Proto)
	for _, h := range p.Headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.WriteTo(w)
}

// Rewrite describes the Host handling applied before a request reaches the target.
type Rewrite struct {
	Host      string
	StripHost bool
}

func (rw Rewrite) Active() bool { return rw.Host != "" || rw.StripHost }

// Apply reads one request head from r, edits it and writes it to w. The body
// and anything after it are left in r for the caller to relay.
func (rw Rewrite) Apply(r *bufio.Reader, w io.Writer) (int64, error) {
	head, err := ReadRequestHead(r)
	if err != nil {
		return 0, err
	}
	switch {
	case rw.StripHost:
		head.StripHost()
	case rw.Host != "":
		head.ReplaceHost(rw.Host)
	}
	return head.WriteTo(w)
}

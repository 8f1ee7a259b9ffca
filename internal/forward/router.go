package forward

import (
	"net"
	"net/http"
	"strings"

	"github.com/matst80/backhaul/internal/auth"
)

// Router picks the client identity an inbound request is addressed to.
//
// With a base domain, "<identity>.<base>" in the Host header wins. Otherwise,
// or when the host does not match, the first path segment is used and stripped
// so the target sees "/<identity>/x" as "/x".
type Router struct {
	BaseDomain string
}

// Route returns the identity and the request to forward, which differs from r
// only when a path prefix was stripped.
func (rt Router) Route(r *http.Request) (string, *http.Request, bool) {
	if name, ok := rt.fromHost(r.Host); ok {
		return name, r, true
	}
	return fromPath(r)
}

func (rt Router) fromHost(hostport string) (string, bool) {
	base := strings.Trim(strings.ToLower(rt.BaseDomain), ".")
	if base == "" {
		return "", false
	}
	host := strings.ToLower(hostport)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	name, ok := strings.CutSuffix(host, "."+base)
	if !ok || !auth.ValidIdentity(name) {
		return "", false
	}
	return name, true
}

func fromPath(r *http.Request) (string, *http.Request, bool) {
	rest := strings.TrimPrefix(r.URL.Path, "/")
	name, tail, _ := strings.Cut(rest, "/")
	if !auth.ValidIdentity(name) {
		return "", nil, false
	}
	out := r.Clone(r.Context())
	out.URL.Path = "/" + tail
	if out.URL.RawPath != "" {
		raw := strings.TrimPrefix(out.URL.RawPath, "/")
		_, rawTail, _ := strings.Cut(raw, "/")
		out.URL.RawPath = "/" + rawTail
	}
	out.RequestURI = ""
	return name, out, true
}

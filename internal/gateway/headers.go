// Header policy for both proxy hops.
//
// DESIGN: Connection-scoped headers are never forwarded. The set is fixed
// and matched case-insensitively, since header maps built by hand (or by
// tests) are not always canonicalized. Both functions are pure: they return
// a new map and never touch their input.
package gateway

import (
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// hopByHopHeaders are meaningful only for a single transport connection.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// IsHopByHop reports whether name is a hop-by-hop header, in any case.
func IsHopByHop(name string) bool {
	_, ok := hopByHopHeaders[strings.ToLower(name)]
	return ok
}

// StripHopByHop returns a copy of h without hop-by-hop headers.
func StripHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if IsHopByHop(name) {
			continue
		}
		out[name] = slices.Clone(values)
	}
	return out
}

// PrepareUpstreamHeaders strips hop-by-hop headers and points Host at the
// backend. Any incoming Host, in any case, is replaced.
func PrepareUpstreamHeaders(incoming http.Header, backendHost string) http.Header {
	out := StripHopByHop(incoming)
	for name := range out {
		if strings.EqualFold(name, "Host") {
			delete(out, name)
		}
	}
	out["Host"] = []string{backendHost}
	return out
}

// InboundHeaders returns a copy of the caller's headers with Host restored.
// net/http moves Host out of r.Header, but the recorded request keeps it.
func InboundHeaders(r *http.Request) http.Header {
	out := r.Header.Clone()
	if out == nil {
		out = make(http.Header)
	}
	if r.Host != "" {
		out.Set("Host", r.Host)
	}
	return out
}

// BackendHost returns the Host value for u: the hostname, plus the port
// only when it is not the scheme's default.
func BackendHost(u *url.URL) string {
	host, port := u.Hostname(), u.Port()
	if port == "" || isDefaultPort(u.Scheme, port) {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}

func isDefaultPort(scheme, port string) bool {
	switch strings.ToLower(scheme) {
	case "http":
		return port == "80"
	case "https":
		return port == "443"
	}
	return false
}

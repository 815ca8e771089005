// Package origin implements the browser Origin checks applied to the relay's
// HTTP routes and the room WebSocket upgrade.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// NormalizeHeader parses an Origin header value into scheme://host[:port]
// and returns the host[:port] part separately. Default ports are dropped and
// the host is lowercased. The opaque origin "null" is accepted unchanged.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	raw := strings.TrimSpace(originHeader)
	switch raw {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if _, known := defaultPorts[scheme]; !known {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may talk to requestHost.
// A non-empty allowedOrigins list is matched exactly ("*" matches anything).
// An empty list means same host[:port] as the request.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	// The scheme is only used to resolve default ports: a TLS-terminating
	// proxy forwards plain HTTP for an https:// page.
	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found {
		return false
	}
	if _, known := defaultPorts[scheme]; !known {
		return false
	}
	reqHost, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	return ok && reqHost == originHost
}

// Policy decides which browser origins may reach the relay's HTTP routes and
// the room WebSocket.
type Policy struct {
	// AllowedOrigins holds normalized origins or "*". Empty means same-host.
	AllowedOrigins []string
}

// Check evaluates r's Origin header. Requests without one (non-browser
// clients such as the CLI) are allowed and return an empty origin. More than
// one Origin header is rejected.
func (p Policy) Check(r *http.Request) (normalizedOrigin string, ok bool) {
	values := r.Header.Values("Origin")
	if len(values) > 1 {
		return "", false
	}
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "", true
	}
	normalized, host, ok := NormalizeHeader(values[0])
	if !ok || !IsAllowed(normalized, host, r.Host, p.AllowedOrigins) {
		return "", false
	}
	return normalized, true
}

// CheckOrigin adapts Check to websocket.Upgrader.CheckOrigin.
func (p Policy) CheckOrigin(r *http.Request) bool {
	_, ok := p.Check(r)
	return ok
}

// canonicalHost lowercases an authority host[:port], validates the port and
// drops it when it is the scheme default. IPv6 literals must be bracketed.
func canonicalHost(authority, scheme string) (string, bool) {
	name, port := authority, ""
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", false
		}
		name = authority[1:end]
		if rest := authority[end+1:]; rest != "" {
			p, found := strings.CutPrefix(rest, ":")
			if !found || p == "" {
				return "", false
			}
			port = p
		}
	} else if h, p, found := strings.Cut(authority, ":"); found {
		if h == "" || p == "" || strings.Contains(p, ":") {
			return "", false
		}
		name, port = h, p
	}

	name = strings.ToLower(name)
	if name == "" {
		return "", false
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = strconv.FormatUint(n, 10)
		if port == defaultPorts[scheme] {
			port = ""
		}
	}

	if strings.Contains(name, ":") {
		name = "[" + name + "]"
	}
	if port == "" {
		return name, true
	}
	return name + ":" + port, true
}

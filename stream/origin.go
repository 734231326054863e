package stream

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// checkOrigin reports whether the request carries a Referer (or Origin)
// header whose host matches the configured site host. Port differences
// are ignored so that dev setups behind a proxy still pass. Requests
// with no referrer at all are rejected.
func checkOrigin(r *http.Request, siteHost string) bool {
	if siteHost == "" {
		return true
	}

	ref := r.Header.Get("Referer")
	if ref == "" {
		ref = r.Header.Get("Origin")
	}
	if ref == "" {
		return false
	}

	u, err := url.Parse(ref)
	if err != nil {
		return false
	}

	return hostsEqual(u.Host, siteHost)
}

func hostsEqual(a, b string) bool {
	return strings.EqualFold(stripPort(a), stripPort(b))
}

func stripPort(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

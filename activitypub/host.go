package activitypub

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// HostOf returns the normalized (lowercase, punycode) authority of uri,
// port included.
func HostOf(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid uri %q: %w", uri, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("uri %q has no host", uri)
	}
	return ToPuny(u.Host), nil
}

// ToPuny lowercases host and converts internationalized labels to
// their ASCII form. A port suffix is preserved.
func ToPuny(host string) string {
	host = strings.ToLower(host)
	name, port, err := net.SplitHostPort(host)
	if err != nil {
		name, port = host, ""
	}
	if ascii, err := idna.Lookup.ToASCII(name); err == nil {
		name = ascii
	}
	if port != "" {
		return net.JoinHostPort(name, port)
	}
	return name
}

// SameHost reports whether both uris share a normalized host.
func SameHost(a, b string) bool {
	ha, err := HostOf(a)
	if err != nil {
		return false
	}
	hb, err := HostOf(b)
	if err != nil {
		return false
	}
	return ha == hb
}

// IsBlockedHost matches host and all of its subdomains against the
// blocklist.
func IsBlockedHost(host string, blocked []string) bool {
	host = ToPuny(host)
	if name, _, err := net.SplitHostPort(host); err == nil {
		host = name
	}
	for _, b := range blocked {
		b = ToPuny(strings.TrimSpace(b))
		if b == "" {
			continue
		}
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}

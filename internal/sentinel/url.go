package sentinel

import (
	"fmt"
	"net/url"
	"strings"
)

// trackingParams are query parameters stripped during canonicalization.
// Parameters with the "utm_" prefix are stripped as well.
var trackingParams = map[string]struct{}{
	"gclid":   {},
	"fbclid":  {},
	"msclkid": {},
	"mc_cid":  {},
	"mc_eid":  {},
}

// CanonicalizeURL collapses cosmetically different URLs to one identity.
// Every URL-producing path must call it before comparison or persistence;
// applying it unevenly produces silent duplicate discovery.
//
// It lowercases the scheme and host, removes default ports, drops the
// fragment, strips known tracking parameters, sorts the remaining query,
// and removes a trailing slash from non-root paths.
func CanonicalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if _, tracked := trackingParams[strings.ToLower(key)]; tracked {
			q.Del(key)
			continue
		}
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// DomainOf extracts the lowercase hostname from a URL, or "" when the URL
// cannot be parsed.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

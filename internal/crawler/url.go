package crawler

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// IdentityKey canonicalizes a URL for deduplication.
// It lowercases the scheme and host, removes default ports, sorts query parameters,
// and drops the fragment.
func IdentityKey(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: parse %q: %v", ErrInvalidURL, rawURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidURL, rawURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, rawURL)
	}

	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	u.RawQuery = canonicalQuery(u.RawQuery)

	return u.String(), nil
}

// canonicalQuery sorts query parameters. A query url.ParseQuery rejects (a
// ";" separator, a bad escape) keeps its raw pairs, sorted, so it still
// yields a distinct key.
func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err == nil {
		// Encode sorts by key.
		return values.Encode()
	}
	pairs := make([]string, 0, strings.Count(raw, "&")+1)
	for _, pair := range strings.Split(raw, "&") {
		if pair != "" {
			pairs = append(pairs, pair)
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// LastPathSegment returns the final non-empty path segment of rawURL.
func LastPathSegment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

package metadata

import (
	"net/url"
	"regexp"
	"strings"
)

// Share-link normalisation. Editors paste remote-share links in several
// shapes; the resolver canonicalises them to the bare file id so cache keys
// collapse onto one entry regardless of which form was stored.

var (
	// Path-segment form: https://host/file/d/{id}/view
	sharePathPattern = regexp.MustCompile(`/(?:file/)?d/([A-Za-z0-9_-]{10,})`)

	// Query-parameter form: https://host/open?id={id}
	shareQueryKeys = []string{"id", "file_id"}

	// Bare-id form: a plausible file id with no URL structure.
	bareIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}$`)
)

// NormalizeShareLocator reduces a remote-share locator to its canonical
// file id. Matchers are tried in order: path-segment, query-parameter,
// bare id; the first match wins. Unresolvable input is returned unchanged
// so the caller surfaces a clear upstream error instead of failing
// silently.
func NormalizeShareLocator(locator string) string {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return locator
	}

	if m := sharePathPattern.FindStringSubmatch(locator); m != nil {
		return m[1]
	}

	if u, err := url.Parse(locator); err == nil && u.RawQuery != "" {
		q := u.Query()
		for _, key := range shareQueryKeys {
			if id := q.Get(key); bareIDPattern.MatchString(id) {
				return id
			}
		}
	}

	if bareIDPattern.MatchString(locator) {
		return locator
	}

	return locator
}

// Package utils provides target normalisation and scope matching used to key
// rate windows and to decide which cached responses an invalidation drops.
//
// Target forms:
//   - Raw: "https://api.example.com/equipment/?status=available"
//   - Normalised: "/equipment?status=available" (scheme and host stripped)
//   - Scope: "/equipment" (query dropped, trailing slash trimmed)
//
// Scope matching treats a target as in scope of S when it is S itself, sits
// below S ("/equipment/SS-001" under "/equipment"), or is an ancestor of S
// ("/equipment" for a write to "/equipment/SS-001"). A write to an item
// therefore drops both the item and every listing that may contain it.
//
// Design Notes:
//   - Matching works on path segments, so "/equipment" never matches
//     "/equipment-types"
//   - All functions are pure and allocation-light; they run on every request
package utils

import (
	"net/url"
	"strings"
)

// NormalizeTarget strips scheme and host from raw and guarantees a leading
// slash. The query string is preserved. Fragments are dropped.
//
// Example:
//
//	NormalizeTarget("https://api.example.com/jobs?page=2") // "/jobs?page=2"
func NormalizeTarget(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}

	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil {
			raw = u.EscapedPath()
			if u.RawQuery != "" {
				raw += "?" + u.RawQuery
			}
		}
	}

	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return raw
}

// TargetOf returns the scope of a normalised target: the path without query,
// with any trailing slash trimmed. The root path stays "/".
func TargetOf(target string) string {
	target = NormalizeTarget(target)
	if target == "" {
		return ""
	}
	if i := strings.IndexByte(target, '?'); i >= 0 {
		target = target[:i]
	}
	for len(target) > 1 && strings.HasSuffix(target, "/") {
		target = target[:len(target)-1]
	}
	if target == "" {
		return "/"
	}
	return target
}

// InScope reports whether target is affected by a change to scope: equal,
// descendant, or ancestor on path-segment boundaries. Both arguments are
// reduced with TargetOf first.
//
// Performance: O(n) where n = len(target)
func InScope(scope, target string) bool {
	scope = TargetOf(scope)
	target = TargetOf(target)
	if scope == "" || target == "" {
		return false
	}

	if scope == target || scope == "/" || target == "/" {
		return true
	}

	return isDescendant(target, scope) || isDescendant(scope, target)
}

func isDescendant(child, parent string) bool {
	return strings.HasPrefix(child, parent) && len(child) > len(parent) && child[len(parent)] == '/'
}

package utils

import (
	"regexp"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// RegexPrefix marks a key pattern as a regular expression. Request keys
// contain '?' and other metacharacters, so regexes must be explicit.
const RegexPrefix = "re:"

// maxPatternLen bounds pattern length.
const maxPatternLen = 1000

// KeyMatcher matches request keys ("GET /jobs?page=2") against patterns.
//
// Supported patterns:
//   - Exact: "GET /jobs" matches only "GET /jobs"
//   - Prefix wildcard: "GET /jobs?*" matches every query of /jobs
//   - Suffix wildcard: "*/SS-001" matches any method on that item
//   - Contains: "*status=available*"
//   - Inner wildcards: "GET /equipment/*/hours" (converted to an anchored regex)
//   - Regex: "re:^GET /jobs\?page=[0-9]+$" (compiled once and cached)
type KeyMatcher struct {
	regexCache sync.Map // map[string]*regexp.Regexp
}

// NewKeyMatcher creates a matcher with an empty regex cache.
func NewKeyMatcher() *KeyMatcher {
	return &KeyMatcher{}
}

// Match returns the keys matching pattern, in input order.
// Complexity: O(n*k) where n = number of keys, k = key length
func (m *KeyMatcher) Match(pattern string, keys []string) []string {
	matches := make([]string, 0)
	if pattern == "" {
		return matches
	}

	match := m.matchFunc(pattern)
	for _, key := range keys {
		if match(key) {
			matches = append(matches, key)
		}
	}
	return matches
}

// Matches reports whether a single key matches pattern.
func (m *KeyMatcher) Matches(pattern, key string) bool {
	if pattern == "" {
		return false
	}
	return m.matchFunc(pattern)(key)
}

// IsWildcard reports whether pattern contains a wildcard.
func IsWildcard(pattern string) bool {
	return !IsRegex(pattern) && strings.Contains(pattern, "*")
}

// IsRegex reports whether pattern is an explicit regex.
func IsRegex(pattern string) bool {
	return strings.HasPrefix(pattern, RegexPrefix)
}

// ValidatePattern rejects patterns that are too long or fail to compile.
func (m *KeyMatcher) ValidatePattern(pattern string) error {
	if len(pattern) > maxPatternLen {
		return errors.Newf("pattern too long (%d > %d)", len(pattern), maxPatternLen)
	}
	if IsRegex(pattern) {
		if _, err := regexp.Compile(strings.TrimPrefix(pattern, RegexPrefix)); err != nil {
			return errors.Wrapf(err, "invalid regex %q", pattern)
		}
	}
	return nil
}

// CacheSize returns the number of compiled regexes held.
func (m *KeyMatcher) CacheSize() int {
	n := 0
	m.regexCache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (m *KeyMatcher) matchFunc(pattern string) func(string) bool {
	if IsRegex(pattern) {
		re := m.compile(strings.TrimPrefix(pattern, RegexPrefix))
		if re == nil {
			return func(string) bool { return false }
		}
		return re.MatchString
	}

	if !strings.Contains(pattern, "*") {
		return func(key string) bool { return key == pattern }
	}
	if pattern == "*" {
		return func(string) bool { return true }
	}

	inner := strings.Trim(pattern, "*")
	switch {
	case strings.Contains(inner, "*"):
		re := m.compile(wildcardToRegex(pattern))
		if re == nil {
			return func(string) bool { return false }
		}
		return re.MatchString
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return func(key string) bool { return strings.Contains(key, inner) }
	case strings.HasPrefix(pattern, "*"):
		return func(key string) bool { return strings.HasSuffix(key, inner) }
	default:
		return func(key string) bool { return strings.HasPrefix(key, inner) }
	}
}

func (m *KeyMatcher) compile(expr string) *regexp.Regexp {
	if cached, ok := m.regexCache.Load(expr); ok {
		return cached.(*regexp.Regexp)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil
	}
	m.regexCache.Store(expr, re)
	return re
}

// wildcardToRegex converts a wildcard pattern to an anchored regex.
// Example: "GET /equipment/*/hours" -> "^GET /equipment/.*/hours$"
func wildcardToRegex(pattern string) string {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	return "^" + escaped + "$"
}

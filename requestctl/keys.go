package requestctl

import (
	"net/http"
	"strings"

	"rigup.app/pkg/utils"
)

// Request is one logical request.
type Request struct {
	Method string
	Target string // path with optional query, or an absolute URL
	Body   []byte
}

// IsRead reports whether the request is an idempotent read. Only reads are
// cached, coalesced and eligible for the breaker fallback.
func (r Request) IsRead() bool {
	switch strings.ToUpper(r.Method) {
	case http.MethodGet, http.MethodHead, "":
		return true
	}
	return false
}

// Scope is the coarse target used for rate windows, circuits and
// invalidation: the path without query.
func (r Request) Scope() string {
	return utils.TargetOf(r.Target)
}

// DeriveKey returns the coalescing and cache key of a request:
//
//	METHOD /path?query#bodyhash
//
// Identical method, target and body always give the same key. The body hash
// is omitted for empty bodies so common reads keep readable keys.
func DeriveKey(r Request) string {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(utils.NormalizeTarget(r.Target))
	if h := utils.HashBytes(r.Body); h != "" {
		b.WriteByte('#')
		b.WriteString(h)
	}
	return b.String()
}

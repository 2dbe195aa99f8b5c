// Package utils provides utility functions for the request-control layer.
//
// This file implements request fingerprinting used to build coalescing and
// cache keys.
//
// Design Notes:
//   - Uses xxhash64 (github.com/cespare/xxhash/v2): fast, well distributed,
//     and stable across processes so keys can be logged and compared
//   - Hex encoding keeps keys printable in logs and diagnostics
//
// Trade-offs:
//   - 64-bit hashes can collide in theory; at UI request volumes the
//     probability is negligible and the method and target stay in clear text
//     in the key, so a collision would need identical method and target too
package utils

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// HashBytes returns the xxhash64 of data as a 16-character hex string.
// An empty input hashes to the empty string so body-less requests keep
// short, readable keys.
func HashBytes(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return formatHash(xxhash.Sum64(data))
}

func formatHash(h uint64) string {
	s := strconv.FormatUint(h, 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}

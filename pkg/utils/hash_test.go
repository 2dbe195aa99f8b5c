package utils

import (
	"fmt"
	"testing"
)

func TestHashBytes_Stable(t *testing.T) {
	a := HashBytes([]byte(`{"status":"deployed"}`))
	b := HashBytes([]byte(`{"status":"deployed"}`))

	if a != b {
		t.Errorf("HashBytes() not stable: %q != %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("HashBytes() length = %d, want 16", len(a))
	}
}

func TestHashBytes_Empty(t *testing.T) {
	if got := HashBytes(nil); got != "" {
		t.Errorf("HashBytes(nil) = %q, want empty", got)
	}
	if got := HashBytes([]byte{}); got != "" {
		t.Errorf("HashBytes(empty) = %q, want empty", got)
	}
}

func TestHashBytes_Different(t *testing.T) {
	seen := make(map[string]string)
	for i := 0; i < 1000; i++ {
		body := fmt.Sprintf(`{"id":%d}`, i)
		h := HashBytes([]byte(body))
		if prev, ok := seen[h]; ok {
			t.Fatalf("collision between %s and %s", prev, body)
		}
		seen[h] = body
	}
}

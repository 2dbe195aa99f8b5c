package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rigup.app/pkg/middleware"
	"rigup.app/requestctl"
)

func TestPerform_DecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/equipment", r.URL.Path)
		assert.Equal(t, "status=available", r.URL.RawQuery)
		assert.Equal(t, "req-1", r.Header.Get(middleware.HeaderRequestID))
		_, _ = w.Write([]byte(`[{"id":"SS-001","hours":12}]`))
	}))
	defer srv.Close()

	b := New(srv.URL + "/")
	ctx := middleware.WithRequestID(context.Background(), "req-1")

	v, err := b.Perform(ctx, requestctl.Request{Method: "GET", Target: "/equipment?status=available"})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"id": "SS-001", "hours": float64(12)}}, v)
}

func TestPerform_SendsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.JSONEq(t, `{"name":"Rig 7"}`, string(body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	v, err := New(srv.URL).Perform(context.Background(), requestctl.Request{
		Method: "post",
		Target: "jobs",
		Body:   []byte(`{"name":"Rig 7"}`),
	})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestPerform_Overload(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		want       time.Duration
	}{
		{"429 with seconds", http.StatusTooManyRequests, "7", 7 * time.Second},
		{"503 without hint", http.StatusServiceUnavailable, "", 0},
		{"429 with garbage", http.StatusTooManyRequests, "later", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := New(srv.URL).Perform(context.Background(), requestctl.Request{Method: "GET", Target: "/jobs"})
			oe, ok := requestctl.AsOverload(err)
			require.True(t, ok, "expected overload, got %v", err)
			assert.Equal(t, tt.status, oe.StatusCode)
			assert.Equal(t, tt.want, oe.RetryAfter)
		})
	}
}

func TestPerform_RetryAfterDate(t *testing.T) {
	b := New("http://unused")
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	got := b.retryAfter(now.Add(30 * time.Second).Format(http.TimeFormat))
	assert.Equal(t, 30*time.Second, got)
	assert.Zero(t, b.retryAfter(now.Add(-time.Minute).Format(http.TimeFormat)))
}

func TestPerform_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Perform(context.Background(), requestctl.Request{Method: "GET", Target: "/equipment/SS-404"})

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	_, overloaded := requestctl.AsOverload(err)
	assert.False(t, overloaded)
}

func TestPerform_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"broken"`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Perform(context.Background(), requestctl.Request{Target: "/jobs"})
	assert.Error(t, err)
}

func TestPerform_ThroughController(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	cfg := requestctl.DefaultConfig()
	cfg.BackoffCooldown = 50 * time.Millisecond
	cfg.MinSpacing = 0
	ctrl, err := requestctl.New(cfg, New(srv.URL).Perform)
	require.NoError(t, err)

	_, err = ctrl.Issue(context.Background(), requestctl.Request{Method: "GET", Target: "/contacts"})
	_, ok := requestctl.AsOverload(err)
	require.True(t, ok)

	start := time.Now()
	out, err := ctrl.Issue(context.Background(), requestctl.Request{Method: "GET", Target: "/contacts"})
	require.NoError(t, err)
	assert.Equal(t, []any{}, out.Value)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond, "Retry-After must be honoured")
}

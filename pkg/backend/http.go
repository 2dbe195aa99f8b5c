// Package backend performs physical HTTP calls for a requestctl.Controller.
//
// Responses are decoded as JSON into plain values (maps, slices, strings,
// float64, bool, nil). 429 and 503 are reported as *requestctl.OverloadError
// so the controller engages its backoff; any other non-2xx status is a
// *StatusError.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"rigup.app/pkg/middleware"
	"rigup.app/requestctl"
)

// maxBody bounds how much of a response is read.
const maxBody = 10 << 20

// StatusError is a non-2xx response that is not an overload signal.
type StatusError struct {
	Method     string
	Target     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "backend " + e.Method + " " + e.Target + ": status " + strconv.Itoa(e.StatusCode)
}

// HTTPBackend sends requests to BaseURL.
type HTTPBackend struct {
	BaseURL string
	Client  *http.Client
	Header  http.Header // added to every request
	now     func() time.Time
}

// New returns a backend for baseURL with a 30s client timeout.
func New(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
}

// Perform implements requestctl.PerformFunc.
func (b *HTTPBackend) Perform(ctx context.Context, req requestctl.Request) (any, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, b.url(req.Target), body)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s %s", method, req.Target)
	}
	for k, vs := range b.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if id := middleware.RequestIDFromCtx(ctx); id != "" {
		httpReq.Header.Set(middleware.HeaderRequestID, id)
	}

	resp, err := b.Client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, req.Target)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s %s", method, req.Target)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, &requestctl.OverloadError{
			Target:     req.Target,
			StatusCode: resp.StatusCode,
			RetryAfter: b.retryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{
			Method:     method,
			Target:     req.Target,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrapf(err, "decode %s %s", method, req.Target)
	}
	return v, nil
}

func (b *HTTPBackend) url(target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return b.BaseURL + target
}

// retryAfter parses delay-seconds or an HTTP date. Unparseable means zero.
func (b *HTTPBackend) retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(b.now()); d > 0 {
			return d
		}
	}
	return 0
}

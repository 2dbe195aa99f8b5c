package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"rigup.app/pkg/backend"
	"rigup.app/pkg/middleware"
	"rigup.app/requestctl"
)

// apiPrefix is stripped before the target is handed to the controller.
const apiPrefix = "/api"

// maxRequestBody bounds request bodies accepted by the proxy.
const maxRequestBody = 1 << 20

func (s *Service) serveForward(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromCtx(r.Context(), s.logger)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	out, err := s.ctrl.Issue(r.Context(), requestctl.Request{
		Method: r.Method,
		Target: targetOf(r),
		Body:   body,
	})
	if err != nil {
		status := statusFor(err)
		if oe, ok := requestctl.AsOverload(err); ok && oe.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(oe.RetryAfter.Seconds()+0.5)))
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("forward failed", zap.String("target", r.URL.Path), zap.Error(err))
		}
		writeJSONError(w, status, err.Error())
		return
	}

	if out.Fallback {
		w.Header().Set(middleware.HeaderBlockedBy, BlockedByGovernor)
	}
	if out.Value == nil && !out.Fallback {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out.Value); err != nil {
		logger.Error("encode response", zap.Error(err))
	}
}

// targetOf returns the backend target for a proxied request: the path
// below /api plus the raw query.
func targetOf(r *http.Request) string {
	target := strings.TrimPrefix(r.URL.EscapedPath(), apiPrefix)
	if target == "" {
		target = "/"
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

// statusFor maps a controller error to the status returned to the client.
func statusFor(err error) int {
	if oe, ok := requestctl.AsOverload(err); ok {
		if oe.StatusCode != 0 {
			return oe.StatusCode
		}
		return http.StatusTooManyRequests
	}
	var se *backend.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	if errors.Is(err, requestctl.ErrEmptyTarget) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

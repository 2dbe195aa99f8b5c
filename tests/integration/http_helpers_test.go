// Package integration runs live HTTP checks against a running app
// (`encore run`). Set RUN_INTEGRATION_TESTS=1 and, when the app is not on
// localhost:4000, BASE_URL.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"slices"
	"testing"
	"time"
)

const readyPath = "/control/metrics"

func baseURL() string {
	for _, name := range []string{"BASE_URL", "ENCORE_URL"} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return "http://localhost:4000"
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// requireService skips unless integration tests are enabled and the proxy
// answers its metrics endpoint.
func requireService(t *testing.T) {
	t.Helper()

	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_INTEGRATION_TESTS=1 to run live HTTP integration tests")
	}

	resp, err := httpClient().Get(baseURL() + readyPath)
	if err != nil {
		t.Skipf("app not reachable at %s (set BASE_URL): %v", baseURL(), err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Skipf("app not ready at %s%s: status=%d", baseURL(), readyPath, resp.StatusCode)
	}
}

// doJSON sends body (when non-nil) as JSON and returns the status and body.
func doJSON(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, baseURL()+path, r)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	status, _, data := send(t, req)
	return status, data
}

// doRaw performs a bodiless request and returns the status, headers and body.
func doRaw(t *testing.T, method, path string) (int, http.Header, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, baseURL()+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return send(t, req)
}

func send(t *testing.T, req *http.Request) (int, http.Header, []byte) {
	t.Helper()

	resp, err := httpClient().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, resp.Header, data
}

func mustUnmarshalJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("invalid JSON response: %v\nbody=%s", err, string(data))
	}
}

func assertStatusIn(t *testing.T, status int, allowed ...int) {
	t.Helper()
	if !slices.Contains(allowed, status) {
		t.Fatalf("unexpected status %d (allowed=%v)", status, allowed)
	}
}

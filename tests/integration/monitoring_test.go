package integration

import (
	"net/http"
	"testing"
)

type controlMetricsResponse struct {
	Snapshot struct {
		Timestamp string  `json:"timestamp"`
		Issued    uint64  `json:"issued"`
		Calls     uint64  `json:"calls"`
		HitRate   float64 `json:"hit_rate"`
	} `json:"snapshot"`
	Gauges map[string]float64 `json:"gauges"`
}

func TestControlMetrics(t *testing.T) {
	requireService(t)

	doRaw(t, http.MethodGet, "/api/equipment")

	status, body := doJSON(t, http.MethodGet, "/control/metrics", nil)
	assertStatusIn(t, status, 200)

	var resp controlMetricsResponse
	mustUnmarshalJSON(t, body, &resp)
	if resp.Snapshot.Timestamp == "" {
		t.Fatalf("expected timestamp to be set")
	}
	if resp.Snapshot.Issued == 0 {
		t.Fatalf("expected at least one issued request")
	}
	if resp.Snapshot.Calls > resp.Snapshot.Issued {
		t.Fatalf("calls (%d) cannot exceed issued (%d)", resp.Snapshot.Calls, resp.Snapshot.Issued)
	}
	if _, ok := resp.Gauges["reqctl_issued_total"]; !ok {
		t.Fatalf("expected reqctl_issued_total gauge")
	}
}

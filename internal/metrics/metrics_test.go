package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestHandlerExposesCollectors(t *testing.T) {
	Init()
	Init()

	IncPageAdded("scanner")
	IncRejected("CORRUPTED")
	IncEdit("split", nil)
	IncEdit("split", errors.New("boom"))
	SetActivePages(7)
	IncWatcher("stale")
	IncIngest("added")

	body := scrape(t)
	for _, want := range []string{
		`examscan_pages_added_total{origin="scanner"}`,
		`examscan_pages_rejected_total{flag="CORRUPTED"}`,
		`examscan_page_edits_total{kind="split",result="ok"}`,
		`examscan_page_edits_total{kind="split",result="error"}`,
		`examscan_active_session_pages 7`,
		`examscan_watcher_events_total{kind="stale"}`,
		`examscan_ingest_results_total{result="added"}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics output missing %s", want)
		}
	}
}

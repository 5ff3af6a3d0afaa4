package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "examscan",
			Name:      "pages_added_total",
			Help:      "Pages accepted into an answer copy, by origin",
		},
		[]string{"origin"},
	)

	pagesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "examscan",
			Name:      "pages_rejected_total",
			Help:      "Candidate images rejected by the validator, by flag",
		},
		[]string{"flag"},
	)

	qualityWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "examscan",
			Name:      "quality_warnings_total",
			Help:      "Quality warnings attached to accepted pages, by flag",
		},
		[]string{"flag"},
	)

	pageEdits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "examscan",
			Name:      "page_edits_total",
			Help:      "Auto-processor operations by kind (autocheck, edit, split, autosplit) and result",
		},
		[]string{"kind", "result"},
	)

	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "examscan",
			Name:      "sessions_total",
			Help:      "Answer copy lifecycle events (opened, completed, emission_failed)",
		},
		[]string{"event"},
	)

	emitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "examscan",
			Name:      "pdf_emit_duration_seconds",
			Help:      "Duration of PDF emission",
			Buckets:   prometheus.DefBuckets,
		},
	)

	activePages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "examscan",
			Name:      "active_session_pages",
			Help:      "Pages in the open answer copy",
		},
	)

	watcherEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "examscan",
			Name:      "watcher_events_total",
			Help:      "Scanner folder events by kind (ready, stale, ignored)",
		},
		[]string{"kind"},
	)

	ingestResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "examscan",
			Name:      "ingest_results_total",
			Help:      "Outcome of ingesting watched files (added, rejected, no_session, stale, error)",
		},
		[]string{"result"},
	)
)

var once sync.Once

// Init registers collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(pagesAdded, pagesRejected, qualityWarnings, pageEdits, sessions,
			emitLatency, activePages, watcherEvents, ingestResults)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func IncPageAdded(origin string) { pagesAdded.WithLabelValues(origin).Inc() }

func IncRejected(flag string) { pagesRejected.WithLabelValues(flag).Inc() }

func IncWarning(flag string) { qualityWarnings.WithLabelValues(flag).Inc() }

func IncEdit(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	pageEdits.WithLabelValues(kind, result).Inc()
}

func IncSession(event string) { sessions.WithLabelValues(event).Inc() }

func ObserveEmit(d time.Duration) { emitLatency.Observe(d.Seconds()) }

func SetActivePages(n int) { activePages.Set(float64(n)) }

func IncWatcher(kind string) { watcherEvents.WithLabelValues(kind).Inc() }

func IncIngest(result string) { ingestResults.WithLabelValues(result).Inc() }

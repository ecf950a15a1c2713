package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrTextfile means the metrics could not be written out.
var ErrTextfile = errors.New("metrics textfile write failed")

// fetchBuckets spans the per-attempt timeout and a full retry budget.
var fetchBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30}

// Manager holds the crawl metrics. It satisfies crawl.Recorder.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         *prometheus.Registry

	pagesFetched     *prometheus.CounterVec
	pagesUnavailable *prometheus.CounterVec
	athletesInserted *prometheus.CounterVec
	athletesDup      *prometheus.CounterVec
	rowErrors        *prometheus.CounterVec
	storeErrors      *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
}

// NewManager creates a manager on its own registry unless one is given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "opens",
		subsystem:        "crawl",
		histogramBuckets: fetchBuckets,
	}

	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)
	byDivision := []string{"division"}

	counter := func(name, help string) *prometheus.CounterVec {
		return auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      name,
			Help:      help,
		}, byDivision)
	}

	m.pagesFetched = counter("pages_fetched_total", "Leaderboard pages fetched successfully")
	m.pagesUnavailable = counter("pages_unavailable_total", "Leaderboard pages given up on after all attempts")
	m.athletesInserted = counter("athletes_inserted_total", "Athletes registered for the first time")
	m.athletesDup = counter("athletes_duplicate_total", "Athletes seen again and left untouched")
	m.rowErrors = counter("row_errors_total", "Leaderboard rows that could not be read")
	m.storeErrors = counter("store_errors_total", "Athletes that failed to persist")

	m.fetchDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "fetch_duration_seconds",
		Help:      "Time spent fetching one leaderboard page, retries included",
		Buckets:   m.histogramBuckets,
	}, []string{"outcome"})
}

// Registry exposes the underlying registry.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

func division(d int) string {
	return strconv.Itoa(d)
}

// PageFetched counts a fetched page.
func (m *Manager) PageFetched(d int, elapsed time.Duration) {
	m.pagesFetched.WithLabelValues(division(d)).Inc()
	m.fetchDuration.WithLabelValues("ok").Observe(elapsed.Seconds())
}

// PageUnavailable counts a page that was given up on.
func (m *Manager) PageUnavailable(d int, elapsed time.Duration) {
	m.pagesUnavailable.WithLabelValues(division(d)).Inc()
	m.fetchDuration.WithLabelValues("unavailable").Observe(elapsed.Seconds())
}

// AthleteInserted counts a newly registered athlete.
func (m *Manager) AthleteInserted(d int) {
	m.athletesInserted.WithLabelValues(division(d)).Inc()
}

// AthleteDuplicate counts an athlete that was already stored.
func (m *Manager) AthleteDuplicate(d int) {
	m.athletesDup.WithLabelValues(division(d)).Inc()
}

// RowError counts an unreadable row.
func (m *Manager) RowError(d int) {
	m.rowErrors.WithLabelValues(division(d)).Inc()
}

// StoreError counts a failed insert.
func (m *Manager) StoreError(d int) {
	m.storeErrors.WithLabelValues(division(d)).Inc()
}

// WriteTextfile writes every metric to path in the Prometheus text format,
// for pickup by a node exporter textfile collector.
func (m *Manager) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("%w: %w", ErrTextfile, err)
	}
	return nil
}

// Package metrics implements the progress-reporting component specified
// in section 4.8 and section 6 of the design specification: Prometheus
// gauges mirroring each feed's live counters, plus the JSON report shape
// written to update-progress.txt and served on /progress.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/welllife1010/catalog-sync/checkpoint"
)

// Registry holds the Prometheus gauges the Supervisor refreshes on every
// progress tick, backed by its own *prometheus.Registry rather than the
// global default one, so a process (or a test) can create more than one
// without a duplicate-registration panic.
type Registry struct {
	reg *prometheus.Registry

	updated *prometheus.GaugeVec
	skipped *prometheus.GaugeVec
	failed  *prometheus.GaugeVec
	corrupt *prometheus.GaugeVec
	total   *prometheus.GaugeVec
	lastRow *prometheus.GaugeVec
}

// NewRegistry creates the catalog-sync gauge set.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	labels := []string{"feed_key"}

	r := &Registry{
		reg: reg,
		updated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "catalogsync_products_updated",
			Help: "Products updated so far for a feed.",
		}, labels),
		skipped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "catalogsync_products_skipped",
			Help: "Products skipped (no-change or missing part number) so far for a feed.",
		}, labels),
		failed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "catalogsync_products_failed",
			Help: "Products that failed lookup or fetch so far for a feed.",
		}, labels),
		corrupt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "catalogsync_rows_corrupt",
			Help: "CSV rows dropped by the tokenizer before reconciliation.",
		}, labels),
		total: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "catalogsync_products_total",
			Help: "Total rows discovered for a feed.",
		}, labels),
		lastRow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "catalogsync_last_processed_row",
			Help: "Last committed row index for a feed.",
		}, labels),
	}

	reg.MustRegister(r.updated, r.skipped, r.failed, r.corrupt, r.total, r.lastRow)
	return r
}

// Handler returns the http.Handler serving this Registry's metrics in
// Prometheus exposition format, for mounting at /metrics alongside the
// JSON /progress endpoint of section 4.8 of the spec.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Observe refreshes every gauge from a checkpoint.Store snapshot, per the
// "iterate discovered feeds' Counters" requirement of section 4.8.
func (r *Registry) Observe(snapshot map[string]checkpoint.FeedState) {
	for feedKey, state := range snapshot {
		r.updated.WithLabelValues(feedKey).Set(float64(state.Counters.Updated))
		r.skipped.WithLabelValues(feedKey).Set(float64(state.Counters.Skipped))
		r.failed.WithLabelValues(feedKey).Set(float64(state.Counters.Failed))
		r.corrupt.WithLabelValues(feedKey).Set(float64(state.Counters.Corrupt))
		r.total.WithLabelValues(feedKey).Set(float64(state.Counters.Total))
		r.lastRow.WithLabelValues(feedKey).Set(float64(state.Checkpoint.LastProcessedRow))
	}
}

// FeedReport is one feed's entry in a Report.
type FeedReport struct {
	FeedKey             string `json:"feedKey"`
	LastProcessedRow    int    `json:"lastProcessedRow"`
	TotalProductsInFile int    `json:"totalProductsInFile"`
	Updated             int64  `json:"updated"`
	Skipped             int64  `json:"skipped"`
	Failed              int64  `json:"failed"`
	Corrupt             int64  `json:"corrupt"`
	Complete            bool   `json:"complete"`
}

// Report is the JSON document written to update-progress.txt and served
// on /progress, as specified in section 4.8 and section 6 of the spec.
type Report struct {
	GeneratedAt time.Time    `json:"generatedAt"`
	RunStarted  time.Time    `json:"runStarted"`
	Feeds       []FeedReport `json:"feeds"`
}

// BuildReport converts a checkpoint.Store snapshot into a Report, sorted
// by feedKey for deterministic output.
func BuildReport(snapshot map[string]checkpoint.FeedState, runStarted time.Time, now time.Time) Report {
	feeds := make([]FeedReport, 0, len(snapshot))
	for feedKey, state := range snapshot {
		total := state.Checkpoint.TotalProductsInFile
		complete := total > 0 && int(state.Counters.Updated+state.Counters.Skipped+state.Counters.Failed) >= total
		feeds = append(feeds, FeedReport{
			FeedKey:             feedKey,
			LastProcessedRow:    state.Checkpoint.LastProcessedRow,
			TotalProductsInFile: total,
			Updated:             state.Counters.Updated,
			Skipped:             state.Counters.Skipped,
			Failed:              state.Counters.Failed,
			Corrupt:             state.Counters.Corrupt,
			Complete:            complete,
		})
	}
	sortFeedReports(feeds)
	return Report{GeneratedAt: now, RunStarted: runStarted, Feeds: feeds}
}

func sortFeedReports(feeds []FeedReport) {
	for i := 1; i < len(feeds); i++ {
		for j := i; j > 0 && feeds[j].FeedKey < feeds[j-1].FeedKey; j-- {
			feeds[j], feeds[j-1] = feeds[j-1], feeds[j]
		}
	}
}

// AllComplete reports whether every feed in the report has reached
// updated+skipped+failed >= total, the Supervisor's run-completion
// condition from section 4.8 of the spec.
func (r Report) AllComplete() bool {
	if len(r.Feeds) == 0 {
		return false
	}
	for _, f := range r.Feeds {
		if !f.Complete {
			return false
		}
	}
	return true
}

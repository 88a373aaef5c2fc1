package trigger

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/vaultbak/internal/errs"
	vsync "github.com/schaermu/vaultbak/internal/sync"
)

const (
	outcomePushed    = "pushed"
	outcomeNoChanges = "no_changes"
	outcomeSkipped   = "skipped"
	outcomeError     = "error"
)

// metrics holds the server's collectors on a private registry so several
// servers can coexist in one process.
type metrics struct {
	registry     *prometheus.Registry
	cycles       *prometheus.CounterVec
	duration     prometheus.Histogram
	filesPushed  prometheus.Counter
	lastPushUnix prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultbak",
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vaultbak",
			Name:      "sync_duration_seconds",
			Help:      "Wall time of sync cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		filesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vaultbak",
			Name:      "files_pushed_total",
			Help:      "Files changed across pushed commits.",
		}),
		lastPushUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultbak",
			Name:      "last_push_timestamp_seconds",
			Help:      "Unix time of the last successful push.",
		}),
	}
	m.registry.MustRegister(m.cycles, m.duration, m.filesPushed, m.lastPushUnix)
	for _, o := range []string{outcomePushed, outcomeNoChanges, outcomeSkipped, outcomeError} {
		m.cycles.WithLabelValues(o)
	}
	return m
}

func (m *metrics) observe(res *vsync.Result, err error, elapsed time.Duration) {
	outcome := outcomeLabel(res, err)
	m.cycles.WithLabelValues(outcome).Inc()
	if outcome == outcomeSkipped {
		return
	}
	m.duration.Observe(elapsed.Seconds())
	if outcome == outcomePushed {
		m.filesPushed.Add(float64(res.Changes.FilesChanged))
		m.lastPushUnix.SetToCurrentTime()
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcomeLabel(res *vsync.Result, err error) string {
	switch {
	case errors.Is(err, errs.ErrCycleInProgress):
		return outcomeSkipped
	case err != nil || res == nil:
		return outcomeError
	case res.Outcome == vsync.Pushed:
		return outcomePushed
	default:
		return outcomeNoChanges
	}
}

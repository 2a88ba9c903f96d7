package sequencer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	commits       *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	commitSeconds prometheus.Histogram
	queueDepth    prometheus.Gauge
	storeSeq      prometheus.Gauge
	readOnly      prometheus.Gauge
	snapshotDrops prometheus.Counter
}

// NewMetrics registers the sequencer collectors on reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldledger",
			Subsystem: "sequencer",
			Name:      "commits_total",
			Help:      "Committed changesets by kind",
		}, []string{"kind"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldledger",
			Subsystem: "sequencer",
			Name:      "rejections_total",
			Help:      "Rejected changesets by code and stage (submit or commit)",
		}, []string{"code", "stage"}),
		commitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "worldledger",
			Subsystem: "sequencer",
			Name:      "commit_duration_seconds",
			Help:      "Time spent in the critical section per changeset",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "worldledger",
			Subsystem: "sequencer",
			Name:      "queue_depth",
			Help:      "Changesets waiting for the commit loop",
		}),
		storeSeq: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "worldledger",
			Subsystem: "store",
			Name:      "seq",
			Help:      "Sequence number of the published state",
		}),
		readOnly: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "worldledger",
			Subsystem: "store",
			Name:      "read_only",
			Help:      "1 when the store refuses writes after detecting corruption",
		}),
		snapshotDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "worldledger",
			Subsystem: "sequencer",
			Name:      "snapshot_drops_total",
			Help:      "Periodic snapshots skipped because the writer was busy",
		}),
	}
}

func (m *Metrics) commit(kind string, seconds float64, seq uint64) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(kind).Inc()
	m.commitSeconds.Observe(seconds)
	m.storeSeq.Set(float64(seq))
}

func (m *Metrics) reject(code, stage string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(code, stage).Inc()
}

func (m *Metrics) queue(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) setReadOnly(on bool, seq uint64) {
	if m == nil {
		return
	}
	m.storeSeq.Set(float64(seq))
	if on {
		m.readOnly.Set(1)
	} else {
		m.readOnly.Set(0)
	}
}

func (m *Metrics) snapshotDropped() {
	if m == nil {
		return
	}
	m.snapshotDrops.Inc()
}

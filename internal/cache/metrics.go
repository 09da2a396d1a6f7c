package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 汇总缓存路径的 Prometheus 指标。nil 接收者所有方法皆为空操作，
// 方便测试环境不注册指标。
type Metrics struct {
	hits           prometheus.Counter
	misses         prometheus.Counter
	coalescedJoins prometheus.Counter
	bypasses       prometheus.Counter
	doomed         prometheus.Counter
	truncated      prometheus.Counter
	unusable       prometheus.Counter
	activeWriters  prometheus.Gauge
}

// NewMetrics 在给定 Registerer 上注册缓存指标。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachehub_cache_hits_total",
			Help: "Requests served directly from a completed cache entry",
		}),
		misses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachehub_cache_misses_total",
			Help: "Requests that triggered a new upstream fetch",
		}),
		coalescedJoins: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachehub_cache_coalesced_joins_total",
			Help: "Requests attached to an already in-flight upstream fetch",
		}),
		bypasses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachehub_cache_bypasses_total",
			Help: "Requests forwarded upstream without touching the cache",
		}),
		doomed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachehub_cache_doomed_entries_total",
			Help: "Cache entries destroyed after write failures or no-store decisions",
		}),
		truncated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachehub_cache_truncated_entries_total",
			Help: "Partially written entries kept as resumable truncated artifacts",
		}),
		unusable: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cachehub_cache_unusable_entries_total",
			Help: "Entries permanently marked unusable after checksum mismatch",
		}),
		activeWriters: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "cachehub_cache_active_writers",
			Help: "Writer coordinators currently streaming an upstream fetch",
		}),
	}
}

func (m *Metrics) RecordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *Metrics) RecordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *Metrics) RecordCoalescedJoin() {
	if m != nil {
		m.coalescedJoins.Inc()
	}
}

func (m *Metrics) RecordBypass() {
	if m != nil {
		m.bypasses.Inc()
	}
}

func (m *Metrics) RecordDoomed() {
	if m != nil {
		m.doomed.Inc()
	}
}

func (m *Metrics) RecordTruncated() {
	if m != nil {
		m.truncated.Inc()
	}
}

func (m *Metrics) RecordUnusable() {
	if m != nil {
		m.unusable.Inc()
	}
}

func (m *Metrics) WriterStarted() {
	if m != nil {
		m.activeWriters.Inc()
	}
}

func (m *Metrics) WriterFinished() {
	if m != nil {
		m.activeWriters.Dec()
	}
}

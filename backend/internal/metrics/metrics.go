package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kotype_sessions_active",
		Help: "Live editing sessions.",
	})
	MembersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kotype_members_active",
		Help: "Members attached to a live session.",
	})
	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kotype_commits_total",
		Help: "Commit attempts by outcome.",
	}, []string{"result"})
	OpsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kotype_ops_appended_total",
		Help: "Operations appended to document logs.",
	})
	Flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kotype_flush_total",
		Help: "Document persists attempted by the write-back cache.",
	}, []string{"result"})
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kotype_flush_duration_seconds",
		Help:    "Duration of a full write-back flush.",
		Buckets: prometheus.DefBuckets,
	})
)

const (
	ResultAccepted = "accepted"
	ResultConflict = "conflict"
	ResultOK       = "ok"
	ResultError    = "error"
)

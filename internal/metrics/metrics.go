package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the attendance core. Exposed on /metrics next to the default
// process collectors.
var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_sessions_created_total",
		Help: "Attendance sessions created.",
	})

	SessionsSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_sessions_superseded_total",
		Help: "Sessions replaced via force_new.",
	})

	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_scans_total",
		Help: "Scan submissions by resulting status.",
	}, []string{"status"})

	SessionsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_sessions_finalized_total",
		Help: "Sessions finalized and committed to the ledger.",
	})

	LedgerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_ledger_commit_failures_total",
		Help: "Failed ledger commits (finalize left retryable).",
	})
)

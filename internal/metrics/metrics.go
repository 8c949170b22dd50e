package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "smart_schedulers_build_info",
		Help: "Build information of the smart-schedulers service",
	}, []string{"version", "commit", "date"})

	PlannerMinutes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smart_schedulers_planner_minutes_total", Help: "Minutes processed by the planner.",
	})
	PlannerScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smart_schedulers_planner_scanned_total", Help: "Slot entries returned by the due/end scans.",
	}, []string{"scan"})
	PlannerEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smart_schedulers_planner_enqueued_total", Help: "Commands enqueued by the planner.",
	}, []string{"action"})
	PlannerSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smart_schedulers_planner_skips_total", Help: "Planner threshold-gate skips.",
	}, []string{"reason"})
	PlannerErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smart_schedulers_planner_errors_total", Help: "Planner per-minute processing errors.",
	})

	IdempotencyAcquire = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smart_schedulers_idempotency_acquire_total", Help: "Minute-idempotency acquire outcomes.",
	}, []string{"backend", "result"})
	IdempotencyDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smart_schedulers_idempotency_degraded", Help: "1 while the idempotency store runs on the in-process fallback map.",
	})

	DispatchClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smart_schedulers_dispatch_claimed_total", Help: "Commands claimed for dispatch.",
	})
	DispatchPublishOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smart_schedulers_dispatch_publish_outcomes_total", Help: "Dispatcher publish outcomes.",
	}, []string{"result"})
	DispatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smart_schedulers_dispatch_retries_total", Help: "Publish failures scheduled for retry.",
	})
	DispatchFinalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smart_schedulers_dispatch_final_failures_total", Help: "Publish failures that exhausted retries.",
	})

	AckMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smart_schedulers_ack_messages_total", Help: "Inbound ack message outcomes.",
	}, []string{"result"})

	SweeperTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smart_schedulers_sweeper_timed_out_total", Help: "Commands failed by the timeout sweeper.",
	})

	ExportOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smart_schedulers_export_outcomes_total", Help: "Audit-event Kafka export outcomes.",
	}, []string{"result"})
)

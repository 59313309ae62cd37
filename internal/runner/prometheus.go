package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_jobs_claimed_total",
		Help: "Total number of jobs claimed by this worker",
	}, []string{"queue"})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_jobs_finished_total",
		Help: "Handler outcomes by status (completed, retried, failed, abandoned)",
	}, []string{"queue", "status"})

	jobsReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_jobs_reaped_total",
		Help: "Stalled jobs recovered by the reaper, by resulting state",
	}, []string{"queue", "state"})

	jobsPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_jobs_pruned_total",
		Help: "Terminal jobs removed by the retention sweeper",
	}, []string{"queue", "state"})

	jobsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskqueue_jobs_in_flight",
		Help: "Handlers currently running in this worker",
	}, []string{"queue"})

	claimDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskqueue_claim_duration_seconds",
		Help:    "Time taken to claim a job from the store",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskqueue_exec_duration_seconds",
		Help:    "Time taken by the handler",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	queueWaitTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskqueue_queue_wait_duration_seconds",
		Help:    "Time a job spent in the queue before its first claim",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"queue"})

	storeOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskqueue_store_operation_duration_seconds",
		Help:    "Time spent on store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskqueue_store_errors_total",
		Help: "Store operations that failed with the store unavailable",
	}, []string{"operation"})
)

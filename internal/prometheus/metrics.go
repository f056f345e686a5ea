package prometheus

import "github.com/prometheus/client_golang/prometheus"

const (
	JobDurationBucketStart  = 1.0
	JobDurationBucketFactor = 2.0
	JobDurationBucketCount  = 12
)

const (
	operationLatencyBucketStart  = 0.005
	operationLatencyBucketFactor = 2.5
	operationLatencyBucketCount  = 12
)

const (
	kafkaLatencyBucketStart  = 1.0
	kafkaLatencyBucketFactor = 2.5
	kafkaLatencyBucketCount  = 15
)

var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "call_job_duration_seconds",
		Help: "Time taken to process one call processing attempt",
		Buckets: prometheus.ExponentialBuckets(
			JobDurationBucketStart,
			JobDurationBucketFactor,
			JobDurationBucketCount,
		),
	},
	[]string{"priority", "status"},
)

var JobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "call_jobs_total",
		Help: "Call processing attempts by outcome",
	},
	[]string{"priority", "status"},
)

var DeadLetterTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "call_jobs_dead_letter_total",
		Help: "Call processing jobs moved to the dead letter store",
	},
)

var OperationLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "operation_latency_seconds",
		Help: "Latency of tracked operations",
		Buckets: prometheus.ExponentialBuckets(
			operationLatencyBucketStart,
			operationLatencyBucketFactor,
			operationLatencyBucketCount,
		),
	},
	[]string{"operation", "success"},
)

var OperationErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "operation_errors_total",
		Help: "Errors recorded per operation",
	},
	[]string{"operation"},
)

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Jobs per queue and state",
	},
	[]string{"queue", "state"},
)

var CacheAccess = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cache_access_total",
		Help: "Cache lookups by result",
	},
	[]string{"result"},
)

var DBPoolConnections = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "db_pool_connections",
		Help: "Connection pool counters per database",
	},
	[]string{"pool", "state"},
)

var SlowQueries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "db_slow_queries_total",
		Help: "Queries slower than the slow query threshold",
	},
	[]string{"pool"},
)

var ReplicaHealthy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "db_replica_healthy",
		Help: "1 when the replica is eligible for reads",
	},
	[]string{"replica"},
)

var FailoverTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "db_failover_total",
		Help: "Role switches performed by the failover manager",
	},
	[]string{"from", "to"},
)

var AlertsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "alerts_total",
		Help: "Alerts created by type and severity",
	},
	[]string{"type", "severity"},
)

var CircuitBreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	},
	[]string{"service"},
)

var MinioOperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "minio_operation_duration_seconds",
		Help:    "Time taken by object storage operations",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

var KafkaMessageLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "kafka_message_latency_seconds",
		Help: "Time taken from message production to consumption",
		Buckets: prometheus.ExponentialBuckets(
			kafkaLatencyBucketStart,
			kafkaLatencyBucketFactor,
			kafkaLatencyBucketCount,
		),
	},
	[]string{"topic"},
)

func init() {
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(DeadLetterTotal)
	prometheus.MustRegister(OperationLatency)
	prometheus.MustRegister(OperationErrors)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(CacheAccess)
	prometheus.MustRegister(DBPoolConnections)
	prometheus.MustRegister(SlowQueries)
	prometheus.MustRegister(ReplicaHealthy)
	prometheus.MustRegister(FailoverTotal)
	prometheus.MustRegister(AlertsTotal)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(MinioOperationDuration)
	prometheus.MustRegister(KafkaMessageLatency)
}

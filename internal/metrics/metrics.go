// Registers:
//
//	#dayflow_day_transitions_total
//	#dayflow_activity_attempts_total / dayflow_activity_duration_seconds
//	#dayflow_shards_open / dayflow_instruments_assigned / dayflow_shard_rejections_total
//	#dayflow_messages_captured_total
//	#dayflow_sequence_gaps_total / dayflow_sequences_missing_total / dayflow_sequence_duplicates_total
//	#dayflow_journal_append_failures_total
//	#go_* and process_* system metrics
//
// Exposed through Handler on the status server.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	dayTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dayflow_day_transitions_total",
			Help: "Trading day state transitions committed to the journal",
		},
		[]string{"env", "from", "to"},
	)

	activityAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dayflow_activity_attempts_total",
			Help: "Orchestrator activity attempts by outcome",
		},
		[]string{"activity", "outcome"},
	)

	activityDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dayflow_activity_duration_seconds",
			Help:    "Wall time of an activity including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"activity"},
	)

	openShards = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dayflow_shards_open",
			Help: "Open subscription shards",
		},
		[]string{"env"},
	)

	assignedInstruments = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dayflow_instruments_assigned",
			Help: "Instruments assigned to a shard",
		},
		[]string{"env"},
	)

	shardRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dayflow_shard_rejections_total",
			Help: "Instruments left unassigned because every shard was full",
		},
		[]string{"env"},
	)

	capturedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dayflow_messages_captured_total",
			Help: "Upstream frames received by shard connectors",
		},
		[]string{"env"},
	)

	sequenceGaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dayflow_sequence_gaps_total",
			Help: "Sequence gaps recorded per stream",
		},
		[]string{"stream"},
	)

	missingSequences = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dayflow_sequences_missing_total",
			Help: "Sequence numbers covered by recorded gaps",
		},
		[]string{"stream"},
	)

	duplicateSequences = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dayflow_sequence_duplicates_total",
			Help: "Redelivered or out of order sequence numbers ignored",
		},
		[]string{"stream"},
	)

	journalFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dayflow_journal_append_failures_total",
			Help: "Journal appends that failed and halted a transition",
		},
	)
)

func Init() {
	once.Do(func() {
		registry.MustRegister(
			dayTransitions,
			activityAttempts,
			activityDuration,
			openShards,
			assignedInstruments,
			shardRejections,
			capturedMessages,
			sequenceGaps,
			missingSequences,
			duplicateSequences,
			journalFailures,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func ObserveTransition(env, from, to string) {
	dayTransitions.WithLabelValues(env, from, to).Inc()
}

func ObserveActivityAttempt(activity string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	activityAttempts.WithLabelValues(activity, outcome).Inc()
}

func ObserveActivityDuration(activity string, d time.Duration) {
	activityDuration.WithLabelValues(activity).Observe(d.Seconds())
}

func SetShardCounts(env string, shards, instruments int) {
	openShards.WithLabelValues(env).Set(float64(shards))
	assignedInstruments.WithLabelValues(env).Set(float64(instruments))
}

func ObserveShardRejection(env string) {
	shardRejections.WithLabelValues(env).Inc()
}

func ObserveCapturedMessage(env string) {
	capturedMessages.WithLabelValues(env).Inc()
}

func ObserveGap(stream string, missing uint64) {
	sequenceGaps.WithLabelValues(stream).Inc()
	missingSequences.WithLabelValues(stream).Add(float64(missing))
}

func ObserveDuplicate(stream string) {
	duplicateSequences.WithLabelValues(stream).Inc()
}

func ObserveJournalFailure() {
	journalFailures.Inc()
}

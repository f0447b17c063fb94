// Package metrics exports the broker monitor's state and activity to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/glimte/mmate-brokermonitor/deadletter"
	"github.com/glimte/mmate-brokermonitor/fabric"
	"github.com/glimte/mmate-brokermonitor/monitor"
)

// Namespace prefixes every metric name
const Namespace = "mmate_brokermonitor"

const (
	kindStandard   = "standard"
	kindDeadLetter = "dead_letter"
	roleNone       = "none"
)

// Collector holds all Prometheus metrics of the broker monitor. It implements
// monitor.Recorder, monitor.PollRecorder and deadletter.Recorder.
type Collector struct {
	// Snapshot metrics
	DestinationQueued *prometheus.GaugeVec
	FabricQueued      *prometheus.GaugeVec
	OldestHeadAge     prometheus.Gauge
	SnapshotUpdates   prometheus.Counter
	IntegrityErrors   prometheus.Counter
	RejectedNames     prometheus.Counter
	ListenerFailures  *prometheus.CounterVec

	// Poll metrics
	PollDuration prometheus.Histogram
	PollErrors   prometheus.Counter

	// Dead-letter metrics
	DeadLetterActions  *prometheus.CounterVec
	DeadLetterMessages *prometheus.CounterVec
	LoopsDetected      prometheus.Counter
}

// NewCollector creates the metrics and registers them with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		DestinationQueued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "destination_queued_messages",
			Help:      "Messages queued on a destination in the latest snapshot",
		}, []string{"destination", "role", "dlq"}),
		FabricQueued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "fabric_queued_messages",
			Help:      "Messages queued across the fabric, by standard or dead-letter destinations",
		}, []string{"kind"}),
		OldestHeadAge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "fabric_oldest_head_age_seconds",
			Help:      "Age of the oldest head message on any incoming destination",
		}),
		SnapshotUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "snapshot_updates_total",
			Help:      "Snapshots published",
		}),
		IntegrityErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "integrity_errors_total",
			Help:      "Updates rejected because endpoint ids collided",
		}),
		RejectedNames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rejected_destinations_total",
			Help:      "Raw destinations skipped because of a malformed name",
		}),
		ListenerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "listener_failures_total",
			Help:      "Update listeners that returned an error or panicked",
		}, []string{"listener"}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "poll_duration_seconds",
			Help:      "Time taken to fetch statistics from the broker",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PollErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "poll_errors_total",
			Help:      "Failed statistics polls",
		}),
		DeadLetterActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "deadletter_actions_total",
			Help:      "Dead-letter actions executed",
		}, []string{"action"}),
		DeadLetterMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "deadletter_messages_total",
			Help:      "Messages deleted, reissued or muted",
		}, []string{"action"}),
		LoopsDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "deadletter_loops_detected_total",
			Help:      "Bulk actions stopped because they met their own output",
		}),
	}
}

// SnapshotPublished replaces the destination gauges with the snapshot's values
func (c *Collector) SnapshotPublished(s *monitor.Snapshot) {
	c.SnapshotUpdates.Inc()

	c.DestinationQueued.Reset()
	var standard, deadLetter int64
	var oldest time.Duration
	for _, d := range s.Destinations {
		role := roleNone
		if d.Role != nil {
			role = d.Role.Name
		}
		c.DestinationQueued.WithLabelValues(d.FQName, role, strconv.FormatBool(d.DeadLetter)).
			Set(float64(d.QueuedMessages))

		if d.DeadLetter {
			deadLetter += d.QueuedMessages
			continue
		}
		standard += d.QueuedMessages
		if age, ok := d.HeadAge(); ok && age > oldest && incoming(d) {
			oldest = age
		}
	}

	c.FabricQueued.WithLabelValues(kindStandard).Set(float64(standard))
	c.FabricQueued.WithLabelValues(kindDeadLetter).Set(float64(deadLetter))
	c.OldestHeadAge.Set(oldest.Seconds())
}

func incoming(d *fabric.Destination) bool {
	return d.Kind == fabric.KindQueue && (d.Role == nil || *d.Role != fabric.RoleWiretap)
}

func (c *Collector) IntegrityViolation() {
	c.IntegrityErrors.Inc()
}

func (c *Collector) RawDestinationRejected() {
	c.RejectedNames.Inc()
}

func (c *Collector) ListenerFailed(listener string) {
	c.ListenerFailures.WithLabelValues(listener).Inc()
}

// PollCompleted records a poll's duration and outcome
func (c *Collector) PollCompleted(duration time.Duration, err error) {
	c.PollDuration.Observe(duration.Seconds())
	if err != nil {
		c.PollErrors.Inc()
	}
}

func (c *Collector) ActionCompleted(action deadletter.Action, messages int) {
	c.DeadLetterActions.WithLabelValues(string(action)).Inc()
	c.DeadLetterMessages.WithLabelValues(string(action)).Add(float64(messages))
}

func (c *Collector) LoopDetected(deadletter.Action) {
	c.LoopsDetected.Inc()
}

var (
	_ monitor.Recorder     = (*Collector)(nil)
	_ monitor.PollRecorder = (*Collector)(nil)
	_ deadletter.Recorder  = (*Collector)(nil)
)

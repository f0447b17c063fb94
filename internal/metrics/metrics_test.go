package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-brokermonitor/deadletter"
	"github.com/glimte/mmate-brokermonitor/fabric"
	"github.com/glimte/mmate-brokermonitor/monitor"
)

var now = time.Unix(1_700_000_000, 0)

func newManager(c *Collector) *monitor.SnapshotManager {
	return monitor.NewSnapshotManager(fabric.NewClassifier("mats."),
		monitor.WithRecorder(c),
		monitor.WithClock(func() time.Time { return now }))
}

func raw(name string, queued int64, firstMessage time.Time) fabric.RawDestination {
	return fabric.RawDestination{FQName: name, QueuedMessages: queued, FirstMessageTime: firstMessage, SampleTime: now}
}

func TestCollector_SnapshotPublished(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	m := newManager(c)

	require.NoError(t, m.Update(monitor.RawUpdate{Destinations: []fabric.RawDestination{
		raw("queue://mats.order.submit", 4, now.Add(-90*time.Second)),
		raw("queue://DLQ.mats.order.submit", 2, now.Add(-time.Hour)),
		raw("topic://mats.wiretap.order.submit", 0, time.Time{}),
		raw("queue://unrelated", 1, now.Add(-10*time.Second)),
	}}))

	assert.Equal(t, float64(4), testutil.ToFloat64(c.DestinationQueued.WithLabelValues("queue://mats.order.submit", "standard", "false")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.DestinationQueued.WithLabelValues("queue://DLQ.mats.order.submit", "dead_letter", "true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.DestinationQueued.WithLabelValues("queue://unrelated", "none", "false")))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.FabricQueued.WithLabelValues("standard")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.FabricQueued.WithLabelValues("dead_letter")))
	assert.Equal(t, float64(90), testutil.ToFloat64(c.OldestHeadAge))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.SnapshotUpdates))

	// destinations that disappear lose their series
	require.NoError(t, m.Update(monitor.RawUpdate{Destinations: []fabric.RawDestination{
		raw("queue://mats.order.submit", 0, time.Time{}),
	}}))
	assert.Equal(t, 1, testutil.CollectAndCount(c.DestinationQueued))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.OldestHeadAge))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.SnapshotUpdates))
}

func TestCollector_ManagerFailures(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	m := newManager(c)

	require.NoError(t, m.Update(monitor.RawUpdate{Destinations: []fabric.RawDestination{raw("bogus", 1, time.Time{})}}))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.RejectedNames))

	m.RegisterListener(monitor.NewListenerFunc("failing", func(monitor.UpdateEvent) error {
		return errors.New("boom")
	}))
	require.NoError(t, m.Update(monitor.RawUpdate{}))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.ListenerFailures.WithLabelValues("failing")))

	collide := monitor.NewSnapshotManager(fabric.NewClassifier("mats."),
		monitor.WithRecorder(c),
		monitor.WithAggregateOptions(fabric.WithNormalizer(fabric.CaseInsensitive)))
	err := collide.Update(monitor.RawUpdate{Destinations: []fabric.RawDestination{
		raw("queue://mats.Order.submit", 1, time.Time{}),
		raw("queue://mats.order.submit", 1, time.Time{}),
	}})
	require.ErrorIs(t, err, fabric.ErrEndpointCollision)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.IntegrityErrors))
}

func TestCollector_PollAndDeadLetter(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.PollCompleted(200*time.Millisecond, nil)
	c.PollCompleted(time.Second, errors.New("timeout"))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.PollErrors))
	assert.Equal(t, 1, testutil.CollectAndCount(c.PollDuration))

	c.ActionCompleted(deadletter.ActionReissue, 3)
	c.ActionCompleted(deadletter.ActionReissue, 2)
	c.ActionCompleted(deadletter.ActionDelete, 0)
	c.LoopDetected(deadletter.ActionReissue)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.DeadLetterActions.WithLabelValues("reissue")))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.DeadLetterMessages.WithLabelValues("reissue")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.DeadLetterActions.WithLabelValues("delete")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.LoopsDetected))
}

func TestCollector_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	assert.Panics(t, func() { NewCollector(reg) })
}

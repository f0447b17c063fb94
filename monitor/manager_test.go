package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-brokermonitor/fabric"
)

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) ListenerFailed(listener string) {
	m.Called(listener)
}

func (m *MockRecorder) SnapshotPublished(snapshot *Snapshot) {
	m.Called(snapshot)
}

func (m *MockRecorder) IntegrityViolation() {
	m.Called()
}

func (m *MockRecorder) RawDestinationRejected() {
	m.Called()
}

// updaterFunc serves force updates by calling fn on its own goroutine.
type updaterFunc func(correlationID string, full bool)

func (f updaterFunc) ForceUpdate(correlationID string, full bool) {
	go f(correlationID, full)
}

var sampleTime = time.Unix(1_700_000_000, 0)

func rawUpdate(full bool, cid string, queued map[string]int64) RawUpdate {
	raw := RawUpdate{Full: full, CorrelationID: cid, OriginNodeID: "node-1", OriginLocal: true, StatsLatency: -1}
	for name, q := range queued {
		raw.Destinations = append(raw.Destinations, fabric.RawDestination{
			FQName:         name,
			QueuedMessages: q,
			SampleTime:     sampleTime,
		})
	}
	return raw
}

func newTestManager(opts ...ManagerOption) *SnapshotManager {
	opts = append([]ManagerOption{WithClock(func() time.Time { return sampleTime })}, opts...)
	return NewSnapshotManager(fabric.NewClassifier("ns."), opts...)
}

func TestSnapshotManager_EmptyState(t *testing.T) {
	m := newTestManager()

	s, ok := m.Snapshot()
	assert.False(t, ok)
	assert.Nil(t, s)

	info, ok := m.BrokerInfo()
	assert.False(t, ok)
	assert.Nil(t, info)
}

func TestSnapshotManager_Update(t *testing.T) {
	m := newTestManager()

	var events []UpdateEvent
	m.RegisterListener(NewListenerFunc("collector", func(e UpdateEvent) error {
		events = append(events, e)
		return nil
	}))

	broker := &BrokerInfo{Type: "RabbitMQ", Name: "rabbit@test"}
	raw := rawUpdate(false, "", map[string]int64{
		"queue://ns.order.submit":     0,
		"queue://DLQ.ns.order.submit": 2,
		"queue://global.DLQ":          1,
	})
	raw.Broker = broker
	raw.Destinations[0].BrokerTime = sampleTime.Add(-2 * time.Second)
	raw.Destinations[1].BrokerTime = sampleTime.Add(-time.Second)

	require.NoError(t, m.Update(raw))

	s, ok := m.Snapshot()
	require.True(t, ok)
	assert.Len(t, s.Destinations, 3)
	assert.Equal(t, sampleTime, s.LastUpdateLocal)
	assert.Equal(t, sampleTime.Add(-time.Second), s.LastUpdateBroker)
	assert.Equal(t, []string{"queue://DLQ.ns.order.submit", "queue://global.DLQ", "queue://ns.order.submit"}, s.DestinationNames())
	_, measured := s.Latency()
	assert.False(t, measured)
	require.NotNil(t, s.Fabric)
	assert.NotNil(t, s.Fabric.GlobalDLQ)
	assert.Contains(t, s.Fabric.Endpoints, "order.submit")

	info, ok := m.BrokerInfo()
	require.True(t, ok)
	assert.Equal(t, broker, info)

	require.Len(t, events, 1)
	e := events[0]
	assert.False(t, e.Full)
	assert.True(t, e.OriginLocal)
	assert.Equal(t, "node-1", e.OriginNodeID)
	assert.Equal(t, broker, e.Broker)
	assert.Len(t, e.Destinations, 2)
	assert.NotContains(t, e.Destinations, "queue://ns.order.submit")
}

func TestSnapshotManager_FullEventCarriesAllDestinations(t *testing.T) {
	m := newTestManager()

	var got UpdateEvent
	m.RegisterListener(NewListenerFunc("collector", func(e UpdateEvent) error {
		got = e
		return nil
	}))

	require.NoError(t, m.Update(rawUpdate(true, "cid-1", map[string]int64{
		"queue://ns.a": 0,
		"queue://ns.b": 3,
	})))

	assert.True(t, got.Full)
	assert.Equal(t, "cid-1", got.CorrelationID)
	assert.Len(t, got.Destinations, 2)
}

func TestSnapshotManager_SnapshotsAreReplaced(t *testing.T) {
	m := newTestManager()

	require.NoError(t, m.Update(rawUpdate(false, "", map[string]int64{"queue://ns.a": 1})))
	first, _ := m.Snapshot()

	require.NoError(t, m.Update(rawUpdate(false, "", map[string]int64{"queue://ns.b": 1})))
	second, _ := m.Snapshot()

	assert.NotSame(t, first, second)
	assert.Contains(t, first.Destinations, "queue://ns.a")
	assert.NotContains(t, first.Destinations, "queue://ns.b")
	assert.Contains(t, second.Destinations, "queue://ns.b")
}

func TestSnapshotManager_RemotePartialUpdateMerges(t *testing.T) {
	m := newTestManager()

	full := rawUpdate(true, "", map[string]int64{
		"queue://ns.a":     0,
		"queue://ns.b":     3,
		"queue://DLQ.ns.b": 2,
		"topic://ns.t":     0,
	})
	full.OriginLocal = false
	full.Broker = &BrokerInfo{Type: "RabbitMQ", Name: "rabbit@remote"}
	require.NoError(t, m.Update(full))

	partial := rawUpdate(false, "", map[string]int64{"queue://ns.b": 5})
	partial.OriginLocal = false
	require.NoError(t, m.Update(partial))

	s, ok := m.Snapshot()
	require.True(t, ok)
	assert.Equal(t, []string{"queue://DLQ.ns.b", "queue://ns.a", "queue://ns.b", "topic://ns.t"}, s.DestinationNames())
	assert.Equal(t, int64(5), s.Destinations["queue://ns.b"].QueuedMessages)
	assert.Equal(t, int64(0), s.Destinations["queue://DLQ.ns.b"].QueuedMessages)
	assert.Equal(t, int64(0), s.Fabric.Stats(fabric.RoleDeadLetter).TotalQueued)
	require.NotNil(t, s.Broker)
	assert.Equal(t, "rabbit@remote", s.Broker.Name)

	t.Run("local partial update replaces", func(t *testing.T) {
		require.NoError(t, m.Update(rawUpdate(false, "", map[string]int64{"queue://ns.b": 1})))
		s, _ := m.Snapshot()
		assert.Equal(t, []string{"queue://ns.b"}, s.DestinationNames())
	})
}

func TestSnapshotManager_IntegrityViolationKeepsPreviousSnapshot(t *testing.T) {
	recorder := new(MockRecorder)
	recorder.On("SnapshotPublished", mock.Anything).Return()
	recorder.On("IntegrityViolation").Return()

	m := newTestManager(
		WithRecorder(recorder),
		WithAggregateOptions(fabric.WithNormalizer(fabric.CaseInsensitive)),
	)

	var calls int
	m.RegisterListener(NewListenerFunc("counter", func(UpdateEvent) error {
		calls++
		return nil
	}))

	require.NoError(t, m.Update(rawUpdate(false, "", map[string]int64{"queue://ns.a": 1})))
	before, _ := m.Snapshot()

	err := m.Update(rawUpdate(false, "", map[string]int64{
		"queue://ns.Order": 1,
		"queue://ns.order": 1,
	}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fabric.ErrEndpointCollision))

	after, _ := m.Snapshot()
	assert.Same(t, before, after)
	assert.Equal(t, 1, calls)
	recorder.AssertNumberOfCalls(t, "IntegrityViolation", 1)
	recorder.AssertNumberOfCalls(t, "SnapshotPublished", 1)
}

func TestSnapshotManager_MalformedDestinationSkipped(t *testing.T) {
	recorder := new(MockRecorder)
	recorder.On("SnapshotPublished", mock.Anything).Return()
	recorder.On("RawDestinationRejected").Return()

	m := newTestManager(WithRecorder(recorder))

	require.NoError(t, m.Update(rawUpdate(false, "", map[string]int64{
		"queue://ns.a": 1,
		"bogus":        1,
	})))

	s, _ := m.Snapshot()
	assert.Len(t, s.Destinations, 1)
	recorder.AssertExpectations(t)
}

func TestSnapshotManager_ListenerFailureIsolation(t *testing.T) {
	recorder := new(MockRecorder)
	recorder.On("SnapshotPublished", mock.Anything).Return()
	recorder.On("ListenerFailed", "erroring").Return()
	recorder.On("ListenerFailed", "panicking").Return()

	m := newTestManager(WithRecorder(recorder))

	var delivered int32
	m.RegisterListener(NewListenerFunc("erroring", func(UpdateEvent) error { return errors.New("boom") }))
	m.RegisterListener(NewListenerFunc("panicking", func(UpdateEvent) error { panic("kaboom") }))
	m.RegisterListener(NewListenerFunc("healthy", func(UpdateEvent) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	}))

	require.NoError(t, m.Update(rawUpdate(false, "", map[string]int64{"queue://ns.a": 1})))

	assert.Equal(t, int32(1), atomic.LoadInt32(&delivered))
	_, ok := m.Snapshot()
	assert.True(t, ok)
	recorder.AssertExpectations(t)
}

func TestSnapshotManager_ForceUpdate(t *testing.T) {
	t.Run("without updater", func(t *testing.T) {
		m := newTestManager()
		assert.ErrorIs(t, m.ForceUpdate("x", false), ErrNoForceUpdater)

		confirmed, err := m.ForceUpdateAndWait(context.Background(), "x", false, time.Second)
		assert.ErrorIs(t, err, ErrNoForceUpdater)
		assert.False(t, confirmed)
	})

	t.Run("confirmed by matching event", func(t *testing.T) {
		m := newTestManager()
		var requested sync.Map
		m.SetForceUpdater(updaterFunc(func(cid string, full bool) {
			requested.Store(cid, full)
			_ = m.Update(rawUpdate(full, cid, map[string]int64{"queue://ns.a": 0}))
		}))

		confirmed, err := m.ForceUpdateAndWait(context.Background(), "abc", true, time.Second)
		require.NoError(t, err)
		assert.True(t, confirmed)

		full, ok := requested.Load("abc")
		require.True(t, ok)
		assert.Equal(t, true, full)
		assert.Equal(t, 0, m.waiters.Pending())
	})

	t.Run("times out without error", func(t *testing.T) {
		m := newTestManager()
		m.SetForceUpdater(updaterFunc(func(cid string, full bool) {
			_ = m.Update(rawUpdate(full, "someone-else", nil))
		}))

		confirmed, err := m.ForceUpdateAndWait(context.Background(), "abc", false, 50*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, confirmed)
		assert.Equal(t, 0, m.waiters.Pending())
	})

	t.Run("generated correlation id", func(t *testing.T) {
		m := newTestManager()
		var seen atomic.Value
		m.SetForceUpdater(updaterFunc(func(cid string, full bool) {
			seen.Store(cid)
			_ = m.Update(rawUpdate(full, cid, nil))
		}))

		confirmed, err := m.ForceUpdateAndWait(context.Background(), "", false, time.Second)
		require.NoError(t, err)
		assert.True(t, confirmed)
		assert.Regexp(t, `^ForceUpdate_[0-9a-z]+$`, seen.Load())
	})
}

func TestSnapshotManager_ConcurrentReaders(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Update(rawUpdate(false, "", map[string]int64{"queue://ns.a": 1})))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s, ok := m.Snapshot()
				if assert.True(t, ok) {
					// a snapshot is always complete: both maps agree
					assert.Len(t, s.Fabric.Destinations(), len(s.Destinations))
				}
			}
		}()
	}

	for i := 0; i < 100; i++ {
		require.NoError(t, m.Update(rawUpdate(false, "", map[string]int64{
			"queue://ns.a":      int64(i),
			"queue://ns.b":      1,
			"queue://DLQ.ns.b":  int64(i % 3),
			"queue://unrelated": 2,
		})))
	}
	close(stop)
	wg.Wait()
}

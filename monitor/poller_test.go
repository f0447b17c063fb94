package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-brokermonitor/fabric"
)

type MockStatsSource struct {
	mock.Mock
}

func (m *MockStatsSource) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	args := m.Called(ctx)
	queues, _ := args.Get(0).([]QueueInfo)
	return queues, args.Error(1)
}

func (m *MockStatsSource) ListExchanges(ctx context.Context) ([]ExchangeInfo, error) {
	args := m.Called(ctx)
	exchanges, _ := args.Get(0).([]ExchangeInfo)
	return exchanges, args.Error(1)
}

func (m *MockStatsSource) Overview(ctx context.Context) (*Overview, error) {
	args := m.Called(ctx)
	overview, _ := args.Get(0).(*Overview)
	return overview, args.Error(1)
}

type recordingSink struct {
	mu      sync.Mutex
	updates []RawUpdate
	signal  chan RawUpdate
}

func newRecordingSink() *recordingSink {
	return &recordingSink{signal: make(chan RawUpdate, 32)}
}

func (s *recordingSink) Update(raw RawUpdate) error {
	s.mu.Lock()
	s.updates = append(s.updates, raw)
	s.mu.Unlock()
	s.signal <- raw
	return nil
}

func (s *recordingSink) next(t *testing.T) RawUpdate {
	t.Helper()
	select {
	case raw := <-s.signal:
		return raw
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
		return RawUpdate{}
	}
}

func standardSource() *MockStatsSource {
	source := new(MockStatsSource)
	source.On("ListQueues", mock.Anything).Return([]QueueInfo{
		{Name: "mats.order.submit", MessagesReady: 3, MessagesUnacknowledged: 1, HeadMessageTimestamp: 1_699_999_940},
		{Name: "DLQ.mats.order.submit", MessagesReady: 2},
	}, nil)
	source.On("ListExchanges", mock.Anything).Return([]ExchangeInfo{
		{Name: "mats.wiretap.order.submit", Type: "topic"},
		{Name: "mats.direct", Type: "direct"},
	}, nil)
	source.On("Overview", mock.Anything).Return(&Overview{
		Node:            "rabbit@node1",
		RabbitMQVersion: "3.13.1",
		Raw:             []byte(`{"node":"rabbit@node1"}`),
	}, nil)
	return source
}

func TestPoller_Poll(t *testing.T) {
	sink := newRecordingSink()
	poller := NewPoller(standardSource(), sink, "node-a",
		WithPollerClock(func() time.Time { return sampleTime }))

	require.NoError(t, poller.Poll(context.Background(), "cid-7", true))

	raw := sink.next(t)
	assert.True(t, raw.Full)
	assert.Equal(t, "cid-7", raw.CorrelationID)
	assert.Equal(t, "node-a", raw.OriginNodeID)
	assert.True(t, raw.OriginLocal)
	assert.Equal(t, time.Duration(0), raw.StatsLatency)

	require.NotNil(t, raw.Broker)
	assert.Equal(t, "RabbitMQ", raw.Broker.Type)
	assert.Equal(t, "rabbit@node1", raw.Broker.Name)
	assert.Equal(t, "3.13.1", raw.Broker.Version)
	assert.JSONEq(t, `{"node":"rabbit@node1"}`, raw.Broker.JSON)

	byName := make(map[string]fabric.RawDestination)
	for _, d := range raw.Destinations {
		byName[d.FQName] = d
	}
	require.Len(t, byName, 3)

	q := byName["queue://mats.order.submit"]
	assert.Equal(t, int64(3), q.QueuedMessages)
	assert.Equal(t, int64(1), q.InFlightMessages)
	assert.Equal(t, time.Unix(1_699_999_940, 0), q.FirstMessageTime)
	assert.Equal(t, sampleTime, q.SampleTime)
	assert.True(t, q.BrokerTime.IsZero())

	assert.True(t, byName["queue://DLQ.mats.order.submit"].FirstMessageTime.IsZero())
	assert.Contains(t, byName, "topic://mats.wiretap.order.submit")
}

func TestPoller_PollFailures(t *testing.T) {
	t.Run("queue listing failure skips the cycle", func(t *testing.T) {
		source := new(MockStatsSource)
		source.On("ListQueues", mock.Anything).Return(nil, errors.New("connection refused"))
		source.On("ListExchanges", mock.Anything).Return([]ExchangeInfo{}, nil)
		source.On("Overview", mock.Anything).Return(&Overview{}, nil)

		sink := newRecordingSink()
		poller := NewPoller(source, sink, "node-a")

		err := poller.Poll(context.Background(), "", false)
		assert.Error(t, err)
		assert.Empty(t, sink.updates)
	})

	t.Run("missing overview still publishes", func(t *testing.T) {
		source := new(MockStatsSource)
		source.On("ListQueues", mock.Anything).Return([]QueueInfo{{Name: "mats.a"}}, nil)
		source.On("ListExchanges", mock.Anything).Return([]ExchangeInfo{}, nil)
		source.On("Overview", mock.Anything).Return(nil, errors.New("forbidden"))

		sink := newRecordingSink()
		poller := NewPoller(source, sink, "node-a")

		require.NoError(t, poller.Poll(context.Background(), "", false))
		raw := sink.next(t)
		assert.Nil(t, raw.Broker)
		assert.Len(t, raw.Destinations, 1)
	})
}

func TestPoller_Lifecycle(t *testing.T) {
	sink := newRecordingSink()
	poller := NewPoller(standardSource(), sink, "node-a",
		WithPollInterval(time.Hour),
		WithFullUpdateEvery(2))

	require.NoError(t, poller.Start(context.Background()))
	assert.True(t, poller.IsRunning())
	assert.Error(t, poller.Start(context.Background()))

	initial := sink.next(t)
	assert.True(t, initial.Full)
	assert.Empty(t, initial.CorrelationID)

	poller.ForceUpdate("After_reissue_selected_x", false)
	forced := sink.next(t)
	assert.Equal(t, "After_reissue_selected_x", forced.CorrelationID)
	assert.False(t, forced.Full)

	poller.ForceUpdate("full-please", true)
	assert.True(t, sink.next(t).Full)

	require.NoError(t, poller.Stop())
	assert.False(t, poller.IsRunning())
	assert.Error(t, poller.Stop())
}

func TestPoller_DrivesSnapshotManager(t *testing.T) {
	manager := newTestManager()
	poller := NewPoller(standardSource(), manager, "node-a", WithPollInterval(time.Hour))
	manager.SetForceUpdater(poller)

	require.NoError(t, poller.Start(context.Background()))
	defer poller.Stop()

	confirmed, err := manager.ForceUpdateAndWait(context.Background(), "update_1", true, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, confirmed)

	s, ok := manager.Snapshot()
	require.True(t, ok)
	assert.Contains(t, s.Destinations, "queue://mats.order.submit")

	tree := s.Fabric
	// namespace prefix in newTestManager is "ns.", so mats.* names are foreign
	assert.Len(t, tree.Remaining, 3)
}

package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-brokermonitor/fabric"
)

// fakeBroker is an in-memory broker with RabbitMQ's basic.get semantics:
// unacknowledged messages go back to the head of their queue when the channel closes.
type fakeBroker struct {
	mu      sync.Mutex
	queues  map[string][]amqp.Delivery
	bounce  map[string]string
	nextTag uint64
	opened  int
	closed  int

	openErr    error
	getErr     error
	getErrFrom int
	gets       int
	declared   []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: map[string][]amqp.Delivery{}, bounce: map[string]string{}}
}

func (b *fakeBroker) Open(ctx context.Context) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.opened++
	return &fakeChannel{broker: b}, nil
}

func (b *fakeBroker) put(queue string, msgs ...amqp.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queue] = append(b.queues[queue], msgs...)
}

func (b *fakeBroker) ids(queue string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for _, d := range b.queues[queue] {
		ids = append(ids, d.MessageId)
	}
	return ids
}

func (b *fakeBroker) messages(queue string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Delivery(nil), b.queues[queue]...)
}

type fetched struct {
	queue    string
	delivery amqp.Delivery
}

type fakeChannel struct {
	broker  *fakeBroker
	unacked []fetched
	closed  bool
}

func (c *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	b.gets++
	if b.getErr != nil && b.gets > b.getErrFrom {
		return amqp.Delivery{}, false, b.getErr
	}
	q, exists := b.queues[queue]
	if !exists {
		return amqp.Delivery{}, false, fmt.Errorf("NOT_FOUND - no queue '%s'", queue)
	}
	if len(q) == 0 {
		return amqp.Delivery{}, false, nil
	}

	d := q[0]
	b.queues[queue] = q[1:]
	b.nextTag++
	d.DeliveryTag = b.nextTag
	c.unacked = append(c.unacked, fetched{queue: queue, delivery: d})
	return d, true, nil
}

func (c *fakeChannel) Ack(tag uint64, multiple bool) error {
	for i, f := range c.unacked {
		if f.delivery.DeliveryTag == tag {
			c.unacked = append(c.unacked[:i], c.unacked[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("PRECONDITION_FAILED - unknown delivery tag %d", tag)
}

func (c *fakeChannel) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.queues[queue]; !exists {
		return ErrUnroutable
	}
	if to, ok := b.bounce[queue]; ok {
		queue = to
	}
	b.queues[queue] = append(b.queues[queue], amqp.Delivery{
		Headers:      msg.Headers,
		MessageId:    msg.MessageId,
		DeliveryMode: msg.DeliveryMode,
		Body:         msg.Body,
	})
	return nil
}

func (c *fakeChannel) DeclareQueue(name string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.queues[name]; !exists {
		b.queues[name] = nil
	}
	b.declared = append(b.declared, name)
	return nil
}

func (c *fakeChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++

	requeued := map[string][]amqp.Delivery{}
	var order []string
	for _, f := range c.unacked {
		if _, seen := requeued[f.queue]; !seen {
			order = append(order, f.queue)
		}
		requeued[f.queue] = append(requeued[f.queue], f.delivery)
	}
	for _, q := range order {
		b.queues[q] = append(requeued[q], b.queues[q]...)
	}
	c.unacked = nil
	return nil
}

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) ActionCompleted(action Action, messages int) {
	m.Called(action, messages)
}

func (m *MockRecorder) LoopDetected(action Action) {
	m.Called(action)
}

func deadLetter(id, to string) amqp.Delivery {
	return amqp.Delivery{
		MessageId:    id,
		DeliveryMode: amqp.Persistent,
		Headers: amqp.Table{
			HeaderMatsMessageID: "m-" + id,
			HeaderTraceID:       "trace-" + id,
			HeaderTo:            to,
			"x-death": []interface{}{amqp.Table{
				"queue":  "mats." + to,
				"reason": "rejected",
				"count":  int64(6),
			}},
			"x-first-death-queue": "mats." + to,
		},
		Body: []byte("trace of " + id),
	}
}

const orderDLQ = "DLQ.mats.order.submit"

func newTestEngine(b *fakeBroker, options ...EngineOption) *Engine {
	return NewEngine(b, fabric.NewClassifier("mats."), options...)
}

func seed(b *fakeBroker, queue string, n int) {
	for i := 1; i <= n; i++ {
		b.put(queue, deadLetter(fmt.Sprintf("id%d", i), "order.submit"))
	}
}

func TestEngine_Browse(t *testing.T) {
	t.Run("returns at most limit messages and leaves the queue intact", func(t *testing.T) {
		b := newFakeBroker()
		seed(b, orderDLQ, 5)
		e := newTestEngine(b)

		it, err := e.Browse(context.Background(), "queue://"+orderDLQ, 3)
		require.NoError(t, err)
		msgs, err := Collect(it)
		require.NoError(t, err)

		require.Len(t, msgs, 3)
		assert.Equal(t, "id1", msgs[0].MessageSystemID)
		assert.Equal(t, "m-id1", msgs[0].MatsMessageID)
		assert.Equal(t, "trace-id1", msgs[0].TraceID)
		assert.Equal(t, "order.submit", msgs[0].ToStageID)
		assert.Equal(t, int64(6), msgs[0].DeliveryCount)
		assert.Equal(t, "rejected", msgs[0].DeathReason)
		assert.True(t, msgs[0].Persistent)
		assert.Equal(t, []byte("trace of id1"), msgs[0].Body)

		assert.Equal(t, []string{"id1", "id2", "id3", "id4", "id5"}, b.ids(orderDLQ))
		assert.Equal(t, 1, b.closed)
	})

	t.Run("is capped at the browse limit", func(t *testing.T) {
		b := newFakeBroker()
		seed(b, orderDLQ, 5)
		e := newTestEngine(b, WithBrowseLimit(2))

		for _, limit := range []int{0, -1, 10} {
			it, err := e.Browse(context.Background(), orderDLQ, limit)
			require.NoError(t, err)
			msgs, err := Collect(it)
			require.NoError(t, err)
			assert.Len(t, msgs, 2)
		}
	})

	t.Run("stops at the end of the queue", func(t *testing.T) {
		b := newFakeBroker()
		seed(b, orderDLQ, 2)
		it, err := newTestEngine(b).Browse(context.Background(), orderDLQ, 0)
		require.NoError(t, err)
		msgs, err := Collect(it)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})

	t.Run("close mid iteration requeues and is idempotent", func(t *testing.T) {
		b := newFakeBroker()
		seed(b, orderDLQ, 4)
		it, err := newTestEngine(b).Browse(context.Background(), orderDLQ, 0)
		require.NoError(t, err)

		require.True(t, it.Next())
		require.NoError(t, it.Close())
		require.NoError(t, it.Close())
		assert.False(t, it.Next())
		assert.Nil(t, it.Message())
		assert.NoError(t, it.Err())
		assert.Equal(t, []string{"id1", "id2", "id3", "id4"}, b.ids(orderDLQ))
		assert.Equal(t, 1, b.closed)
	})

	t.Run("surfaces broker failures", func(t *testing.T) {
		b := newFakeBroker()
		it, err := newTestEngine(b).Browse(context.Background(), "DLQ.missing", 0)
		require.NoError(t, err)
		_, err = Collect(it)

		var ioErr *BrokerIOError
		require.ErrorAs(t, err, &ioErr)
		assert.Equal(t, "browse", ioErr.Op)
		assert.Equal(t, "DLQ.missing", ioErr.Queue)
	})
}

func TestEngine_Examine(t *testing.T) {
	b := newFakeBroker()
	seed(b, orderDLQ, 3)
	e := newTestEngine(b)

	msg, ok, err := e.Examine(context.Background(), orderDLQ, "id2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m-id2", msg.MatsMessageID)

	_, ok, err = e.Examine(context.Background(), orderDLQ, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"id1", "id2", "id3"}, b.ids(orderDLQ))
}

func TestEngine_Delete(t *testing.T) {
	t.Run("selected", func(t *testing.T) {
		b := newFakeBroker()
		seed(b, orderDLQ, 5)
		rec := new(MockRecorder)
		rec.On("ActionCompleted", ActionDelete, 2).Once()
		e := newTestEngine(b, WithRecorder(rec))

		done, err := e.Delete(context.Background(), orderDLQ, []string{"id4", "id2", "missing"})
		require.NoError(t, err)

		require.Len(t, done, 2)
		assert.Equal(t, "id2", done[0].MessageSystemID)
		assert.Equal(t, "id4", done[1].MessageSystemID)
		assert.Empty(t, done[0].ReissuedMessageSystemID)
		assert.Equal(t, []string{"id1", "id3", "id5"}, b.ids(orderDLQ))
		rec.AssertExpectations(t)
	})

	t.Run("all up to limit", func(t *testing.T) {
		b := newFakeBroker()
		seed(b, orderDLQ, 5)

		done, err := newTestEngine(b).DeleteAll(context.Background(), orderDLQ, 2)
		require.NoError(t, err)
		assert.Len(t, done, 2)
		assert.Equal(t, []string{"id3", "id4", "id5"}, b.ids(orderDLQ))
	})
}

func TestEngine_Reissue(t *testing.T) {
	t.Run("to the stage's incoming queue", func(t *testing.T) {
		b := newFakeBroker()
		seed(b, orderDLQ, 2)
		b.put("mats.order.submit")
		e := newTestEngine(b)

		done, err := e.Reissue(context.Background(), orderDLQ, []string{"id1"}, "alice")
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.NotEmpty(t, done[0].ReissuedMessageSystemID)
		assert.NotEqual(t, "id1", done[0].ReissuedMessageSystemID)

		live := b.messages("mats.order.submit")
		require.Len(t, live, 1)
		assert.Equal(t, done[0].ReissuedMessageSystemID, live[0].MessageId)
		assert.Equal(t, "alice", live[0].Headers[HeaderLastOperationUser])
		assert.Equal(t, "id1", live[0].Headers[HeaderReissuedFrom])
		assert.Equal(t, "m-id1", live[0].Headers[HeaderMatsMessageID])
		assert.NotContains(t, live[0].Headers, "x-death")
		assert.NotContains(t, live[0].Headers, "x-first-death-queue")
		assert.NotContains(t, live[0].Headers, HeaderOperationCookie)
		assert.Equal(t, []byte("trace of id1"), live[0].Body)

		assert.Equal(t, []string{"id2"}, b.ids(orderDLQ))
	})

	t.Run("from the npia dead-letter queue to the npia queue", func(t *testing.T) {
		b := newFakeBroker()
		b.put("DLQ.mats.npia.order.submit", deadLetter("n1", "order.submit"))
		b.put("mats.npia.order.submit")

		_, err := newTestEngine(b).ReissueAll(context.Background(), "DLQ.mats.npia.order.submit", 10, "bob")
		require.NoError(t, err)
		assert.Len(t, b.messages("mats.npia.order.submit"), 1)
	})

	t.Run("resolves the origin from x-death without a mats_To header", func(t *testing.T) {
		b := newFakeBroker()
		d := deadLetter("x1", "order.submit.stage2")
		delete(d.Headers, HeaderTo)
		b.put(orderDLQ, d)
		b.put("mats.order.submit.stage2")

		_, err := newTestEngine(b).Reissue(context.Background(), orderDLQ, []string{"x1"}, "bob")
		require.NoError(t, err)
		assert.Len(t, b.messages("mats.order.submit.stage2"), 1)
	})

	t.Run("unresolvable origin goes to the fallback queue", func(t *testing.T) {
		b := newFakeBroker()
		b.put("global.DLQ", amqp.Delivery{MessageId: "orphan", Body: []byte("?")})
		e := newTestEngine(b)

		done, err := e.ReissueAll(context.Background(), "global.DLQ", 10, "bob")
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Len(t, b.messages(DefaultFallbackQueue), 1)
		assert.Contains(t, b.declared, DefaultFallbackQueue)
		assert.Empty(t, b.ids("global.DLQ"))
	})

	t.Run("unroutable origin goes to the fallback queue", func(t *testing.T) {
		b := newFakeBroker()
		seed(b, orderDLQ, 1)

		_, err := newTestEngine(b, WithFallbackQueue("DLQ.ops.failed")).
			Reissue(context.Background(), orderDLQ, []string{"id1"}, "bob")
		require.NoError(t, err)
		assert.Len(t, b.messages("DLQ.ops.failed"), 1)
	})
}

func TestEngine_Mute(t *testing.T) {
	b := newFakeBroker()
	seed(b, orderDLQ, 3)
	e := newTestEngine(b)

	done, err := e.Mute(context.Background(), orderDLQ, []string{"id3"}, "carol", "known issue #42")
	require.NoError(t, err)
	require.Len(t, done, 1)

	muted := b.messages("DLQ.mats.muted.order.submit")
	require.Len(t, muted, 1)
	assert.Equal(t, "known issue #42", muted[0].Headers[HeaderMuteComment])
	assert.Equal(t, "carol", muted[0].Headers[HeaderLastOperationUser])
	assert.Contains(t, b.declared, "DLQ.mats.muted.order.submit")
	assert.Empty(t, b.messages("mats.order.submit"))

	done, err = e.MuteAll(context.Background(), orderDLQ, 1, "carol", "")
	require.NoError(t, err)
	assert.Len(t, done, 1)
	assert.Equal(t, []string{"id2"}, b.ids(orderDLQ))
	assert.Len(t, b.messages("DLQ.mats.muted.order.submit"), 2)
}

func TestEngine_BulkLoopPrevention(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		run    func(e *Engine) ([]Metadata, error)
		target string
	}{
		{
			name:   "reissue all",
			action: ActionReissue,
			target: "mats.order.submit",
			run: func(e *Engine) ([]Metadata, error) {
				return e.ReissueAll(context.Background(), orderDLQ, 1000, "dave")
			},
		},
		{
			name:   "mute all",
			action: ActionMute,
			target: "DLQ.mats.muted.order.submit",
			run: func(e *Engine) ([]Metadata, error) {
				return e.MuteAll(context.Background(), orderDLQ, 1000, "dave", "loop")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const n = 3
			b := newFakeBroker()
			seed(b, orderDLQ, n)
			b.put(tt.target)
			// every emitted message fails again immediately
			b.bounce[tt.target] = orderDLQ

			rec := new(MockRecorder)
			rec.On("LoopDetected", tt.action).Once()
			rec.On("ActionCompleted", tt.action, n).Once()
			e := newTestEngine(b, WithRecorder(rec))

			done, err := tt.run(e)
			require.NoError(t, err)
			assert.Len(t, done, n)
			assert.Less(t, len(done), n+1)

			back := b.messages(orderDLQ)
			require.Len(t, back, n)
			cookie := back[0].Headers[HeaderOperationCookie]
			assert.NotEmpty(t, cookie)
			for _, d := range back {
				assert.Equal(t, cookie, d.Headers[HeaderOperationCookie])
			}
			rec.AssertExpectations(t)
		})
	}

	t.Run("a previous invocation's cookie does not stop the next one", func(t *testing.T) {
		b := newFakeBroker()
		seed(b, orderDLQ, 2)
		b.put("mats.order.submit")
		b.bounce["mats.order.submit"] = orderDLQ
		e := newTestEngine(b)

		first, err := e.ReissueAll(context.Background(), orderDLQ, 100, "dave")
		require.NoError(t, err)
		second, err := e.ReissueAll(context.Background(), orderDLQ, 100, "dave")
		require.NoError(t, err)

		assert.Len(t, first, 2)
		assert.Len(t, second, 2)
	})
}

func TestEngine_InvalidArguments(t *testing.T) {
	b := newFakeBroker()
	e := newTestEngine(b)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
	}{
		{"topic", func() error { _, err := e.DeleteAll(ctx, "topic://mats.x", 1); return err }},
		{"empty queue", func() error { _, err := e.DeleteAll(ctx, "queue://", 1); return err }},
		{"no ids", func() error { _, err := e.Delete(ctx, orderDLQ, nil); return err }},
		{"empty id", func() error { _, err := e.Reissue(ctx, orderDLQ, []string{""}, "u"); return err }},
		{"zero limit", func() error { _, err := e.MuteAll(ctx, orderDLQ, 0, "u", ""); return err }},
		{"examine without id", func() error { _, _, err := e.Examine(ctx, orderDLQ, ""); return err }},
		{"browse topic", func() error { _, err := e.Browse(ctx, "topic://t", 1); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), ErrInvalidArgument)
		})
	}
	assert.Zero(t, b.opened)
}

func TestEngine_BrokerFailures(t *testing.T) {
	t.Run("open failure", func(t *testing.T) {
		b := newFakeBroker()
		b.openErr = errors.New("connection not ready")

		_, err := newTestEngine(b).DeleteAll(context.Background(), orderDLQ, 1)
		var ioErr *BrokerIOError
		require.ErrorAs(t, err, &ioErr)
		assert.Equal(t, "delete", ioErr.Op)
		assert.ErrorIs(t, err, b.openErr)
	})

	t.Run("mid-batch failure keeps applied work", func(t *testing.T) {
		b := newFakeBroker()
		seed(b, orderDLQ, 5)
		b.getErr = errors.New("channel closed")
		b.getErrFrom = 2

		done, err := newTestEngine(b).DeleteAll(context.Background(), orderDLQ, 5)
		var ioErr *BrokerIOError
		require.ErrorAs(t, err, &ioErr)
		assert.Equal(t, 2, ioErr.Processed)
		assert.Len(t, done, 2)
		assert.Equal(t, []string{"id3", "id4", "id5"}, b.ids(orderDLQ))
	})
}

func TestSystemID(t *testing.T) {
	assert.Equal(t, "abc", SystemID(amqp.Delivery{MessageId: "abc"}))

	a := SystemID(amqp.Delivery{Body: []byte("x")})
	assert.Equal(t, a, SystemID(amqp.Delivery{Body: []byte("x")}))
	assert.NotEqual(t, a, SystemID(amqp.Delivery{Body: []byte("y")}))
	assert.Len(t, a, len("sha256:")+16)

	t.Run("same body published twice", func(t *testing.T) {
		at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		first := amqp.Delivery{Body: []byte("x"), Timestamp: at, Headers: amqp.Table{HeaderTraceID: "t1"}}
		assert.NotEqual(t, a, SystemID(first))

		later := first
		later.Timestamp = at.Add(time.Millisecond)
		assert.NotEqual(t, SystemID(first), SystemID(later))

		other := first
		other.Headers = amqp.Table{HeaderTraceID: "t2"}
		assert.NotEqual(t, SystemID(first), SystemID(other))
	})

	t.Run("dead-letter history does not change the id", func(t *testing.T) {
		d := amqp.Delivery{Body: []byte("x"), Headers: amqp.Table{HeaderTraceID: "t1"}}
		dead := amqp.Delivery{Body: []byte("x"), Headers: amqp.Table{
			HeaderTraceID:          "t1",
			"x-death":              []interface{}{amqp.Table{"count": int64(2)}},
			"x-first-death-reason": "rejected",
		}}
		assert.Equal(t, SystemID(d), SystemID(dead))
	})
}

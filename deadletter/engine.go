package deadletter

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glimte/mmate-brokermonitor/fabric"
)

const (
	// DefaultBrowseLimit caps browse iterators
	DefaultBrowseLimit = 400
	// DefaultScanLimit caps how many messages an action looks at when searching for selected ids
	DefaultScanLimit = 10000
	// DefaultFallbackQueue receives reissued or muted messages whose origin cannot be resolved
	DefaultFallbackQueue = "DLQ.MatsBrokerMonitor.FailedOperations"
)

// Action names a dead-letter action
type Action string

const (
	ActionDelete  Action = "delete"
	ActionReissue Action = "reissue"
	ActionMute    Action = "mute"
)

// Recorder receives action outcomes
type Recorder interface {
	ActionCompleted(action Action, messages int)
	LoopDetected(action Action)
}

type nopRecorder struct{}

func (nopRecorder) ActionCompleted(Action, int) {}
func (nopRecorder) LoopDetected(Action)         {}

// Engine browses dead-letter queues and deletes, reissues or mutes their messages.
// It holds no state between calls; each operation runs on its own channel.
type Engine struct {
	opener        ChannelOpener
	classifier    *fabric.Classifier
	browseLimit   int
	scanLimit     int
	fallbackQueue string
	newID         func() string
	logger        *zap.Logger
	recorder      Recorder
}

// EngineOption configures the Engine
type EngineOption func(*Engine)

// WithBrowseLimit sets the maximum number of messages a browse returns
func WithBrowseLimit(limit int) EngineOption {
	return func(e *Engine) {
		if limit > 0 {
			e.browseLimit = limit
		}
	}
}

// WithScanLimit sets how far selected-id actions search a queue
func WithScanLimit(limit int) EngineOption {
	return func(e *Engine) {
		if limit > 0 {
			e.scanLimit = limit
		}
	}
}

// WithFallbackQueue sets the queue for messages whose origin is unknown
func WithFallbackQueue(queue string) EngineOption {
	return func(e *Engine) {
		if queue != "" {
			e.fallbackQueue = queue
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(recorder Recorder) EngineOption {
	return func(e *Engine) {
		e.recorder = recorder
	}
}

// NewEngine creates an engine opening channels with opener and resolving
// queue names with classifier
func NewEngine(opener ChannelOpener, classifier *fabric.Classifier, options ...EngineOption) *Engine {
	e := &Engine{
		opener:        opener,
		classifier:    classifier,
		browseLimit:   DefaultBrowseLimit,
		scanLimit:     DefaultScanLimit,
		fallbackQueue: DefaultFallbackQueue,
		newID:         uuid.NewString,
		logger:        zap.NewNop(),
		recorder:      nopRecorder{},
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// BrowseLimit returns the browse cap
func (e *Engine) BrowseLimit() int {
	return e.browseLimit
}

// FallbackQueue returns the queue unresolvable messages are sent to
func (e *Engine) FallbackQueue() string {
	return e.fallbackQueue
}

// Browse opens an iterator over at most limit messages of queue, capped at
// the browse limit. A limit of zero or less means the browse limit.
// The caller must Close the iterator.
func (e *Engine) Browse(ctx context.Context, queue string, limit int) (*Iterator, error) {
	name, err := queueName(queue)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > e.browseLimit {
		limit = e.browseLimit
	}

	ch, err := e.opener.Open(ctx)
	if err != nil {
		return nil, brokerIOError("browse", name, 0, err)
	}
	return &Iterator{ch: ch, queue: name, remaining: limit}, nil
}

// Examine returns the message with the given system id without consuming it
func (e *Engine) Examine(ctx context.Context, queue, id string) (*Message, bool, error) {
	name, err := queueName(queue)
	if err != nil {
		return nil, false, err
	}
	if id == "" {
		return nil, false, invalidArgument("message id is empty")
	}

	ch, err := e.opener.Open(ctx)
	if err != nil {
		return nil, false, brokerIOError("examine", name, 0, err)
	}
	// closing requeues everything fetched
	defer ch.Close()

	for i := 0; i < e.scanLimit; i++ {
		d, ok, err := ch.Get(name, false)
		if err != nil {
			return nil, false, brokerIOError("examine", name, 0, err)
		}
		if !ok {
			return nil, false, nil
		}
		if SystemID(d) == id {
			return MessageOf(d), true, nil
		}
	}
	return nil, false, nil
}

// Delete removes the messages with the given system ids
func (e *Engine) Delete(ctx context.Context, queue string, ids []string) ([]Metadata, error) {
	return e.runSelected(ctx, ActionDelete, queue, ids, e.deleteOne)
}

// DeleteAll removes up to limit messages
func (e *Engine) DeleteAll(ctx context.Context, queue string, limit int) ([]Metadata, error) {
	return e.runAll(ctx, ActionDelete, queue, limit, e.deleteOne)
}

// Reissue sends the selected messages back to the queue they were dead-lettered from
func (e *Engine) Reissue(ctx context.Context, queue string, ids []string, user string) ([]Metadata, error) {
	return e.runSelected(ctx, ActionReissue, queue, ids, e.reissuer(queue, user))
}

// ReissueAll reissues up to limit messages, stopping early if it meets a message it already reissued
func (e *Engine) ReissueAll(ctx context.Context, queue string, limit int, user string) ([]Metadata, error) {
	return e.runAll(ctx, ActionReissue, queue, limit, e.reissuer(queue, user))
}

// Mute moves the selected messages to the muted dead-letter queue of their stage
func (e *Engine) Mute(ctx context.Context, queue string, ids []string, user, comment string) ([]Metadata, error) {
	return e.runSelected(ctx, ActionMute, queue, ids, e.muter(user, comment))
}

// MuteAll mutes up to limit messages, stopping early if it meets a message it already muted
func (e *Engine) MuteAll(ctx context.Context, queue string, limit int, user, comment string) ([]Metadata, error) {
	return e.runAll(ctx, ActionMute, queue, limit, e.muter(user, comment))
}

// handler acts on one fetched message; it must not acknowledge it
type handler func(ctx context.Context, ch Channel, d amqp.Delivery, cookie string) (Metadata, error)

func (e *Engine) runSelected(ctx context.Context, action Action, queue string, ids []string, handle handler) ([]Metadata, error) {
	name, err := queueName(queue)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, invalidArgument("no message ids given")
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, invalidArgument("empty message id")
		}
		wanted[id] = true
	}

	ch, err := e.opener.Open(ctx)
	if err != nil {
		return nil, brokerIOError(string(action), name, 0, err)
	}
	defer ch.Close()

	var done []Metadata
	for scanned := 0; len(wanted) > 0 && scanned < e.scanLimit; scanned++ {
		d, ok, err := ch.Get(name, false)
		if err != nil {
			return done, e.failed(action, name, done, err)
		}
		if !ok {
			break
		}

		id := SystemID(d)
		if !wanted[id] {
			// left unacknowledged, requeued on close
			continue
		}
		delete(wanted, id)

		md, err := e.apply(ctx, ch, d, "", handle)
		if err != nil {
			return done, e.failed(action, name, done, err)
		}
		done = append(done, md)
	}

	if len(wanted) > 0 {
		e.logger.Info("selected messages not found",
			zap.String("action", string(action)),
			zap.String("queue", name),
			zap.Int("missing", len(wanted)))
	}
	e.completed(action, name, done)
	return done, nil
}

func (e *Engine) runAll(ctx context.Context, action Action, queue string, limit int, handle handler) ([]Metadata, error) {
	name, err := queueName(queue)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, invalidArgument("limit must be positive, got %d", limit)
	}

	ch, err := e.opener.Open(ctx)
	if err != nil {
		return nil, brokerIOError(string(action), name, 0, err)
	}
	defer ch.Close()

	cookie := ""
	if action != ActionDelete {
		cookie = e.newID()
	}

	var done []Metadata
	for len(done) < limit {
		d, ok, err := ch.Get(name, false)
		if err != nil {
			return done, e.failed(action, name, done, err)
		}
		if !ok {
			break
		}

		if cookie != "" && headerString(d.Headers, HeaderOperationCookie) == cookie {
			e.logger.Warn("met a message emitted by this operation, stopping",
				zap.String("action", string(action)),
				zap.String("queue", name),
				zap.Int("count", len(done)))
			e.recorder.LoopDetected(action)
			break
		}

		md, err := e.apply(ctx, ch, d, cookie, handle)
		if err != nil {
			return done, e.failed(action, name, done, err)
		}
		done = append(done, md)
	}

	e.completed(action, name, done)
	return done, nil
}

// apply runs handle and then acknowledges the source message
func (e *Engine) apply(ctx context.Context, ch Channel, d amqp.Delivery, cookie string, handle handler) (Metadata, error) {
	md, err := handle(ctx, ch, d, cookie)
	if err != nil {
		return md, err
	}
	if err := ch.Ack(d.DeliveryTag, false); err != nil {
		return md, err
	}
	return md, nil
}

func (e *Engine) completed(action Action, queue string, done []Metadata) {
	e.recorder.ActionCompleted(action, len(done))
	e.logger.Info("dead-letter action completed",
		zap.String("action", string(action)),
		zap.String("queue", queue),
		zap.Int("count", len(done)))
}

func (e *Engine) failed(action Action, queue string, done []Metadata, err error) error {
	e.recorder.ActionCompleted(action, len(done))
	e.logger.Error("dead-letter action failed",
		zap.String("action", string(action)),
		zap.String("queue", queue),
		zap.Int("count", len(done)),
		zap.Error(err))
	return brokerIOError(string(action), queue, len(done), err)
}

func (e *Engine) deleteOne(_ context.Context, _ Channel, d amqp.Delivery, _ string) (Metadata, error) {
	return MetadataOf(d), nil
}

func (e *Engine) reissuer(queue, user string) handler {
	incoming := fabric.RoleStandard
	if role, ok := e.sourceRole(queue); ok {
		incoming = fabric.IncomingRole(role)
	}

	return func(ctx context.Context, ch Channel, d amqp.Delivery, cookie string) (Metadata, error) {
		md := MetadataOf(d)
		msg := e.outgoing(d, &md, user, cookie)
		msg.Headers[HeaderReissuedFrom] = md.MessageSystemID

		target := ""
		if stageID := e.originStage(d); stageID != "" {
			target = e.classifier.QueueName(incoming, stageID)
		}
		return md, e.send(ctx, ch, target, d, msg, false)
	}
}

func (e *Engine) muter(user, comment string) handler {
	return func(ctx context.Context, ch Channel, d amqp.Delivery, cookie string) (Metadata, error) {
		md := MetadataOf(d)
		msg := e.outgoing(d, &md, user, cookie)
		if comment != "" {
			msg.Headers[HeaderMuteComment] = comment
		}

		target := ""
		if stageID := e.originStage(d); stageID != "" {
			target = e.classifier.QueueName(fabric.RoleDeadLetterMuted, stageID)
		}
		return md, e.send(ctx, ch, target, d, msg, true)
	}
}

// outgoing builds the republished message under a new system id
func (e *Engine) outgoing(d amqp.Delivery, md *Metadata, user, cookie string) amqp.Publishing {
	msg := republication(d)
	msg.MessageId = e.newID()
	md.ReissuedMessageSystemID = msg.MessageId

	if user != "" {
		msg.Headers[HeaderLastOperationUser] = user
	}
	if cookie != "" {
		msg.Headers[HeaderOperationCookie] = cookie
	} else {
		delete(msg.Headers, HeaderOperationCookie)
	}
	return msg
}

// send publishes msg to target. An empty or unroutable target sends it to the
// fallback queue instead; with declare the target queue is created first.
func (e *Engine) send(ctx context.Context, ch Channel, target string, d amqp.Delivery, msg amqp.Publishing, declare bool) error {
	if target != "" {
		if declare {
			if err := ch.DeclareQueue(target); err != nil {
				return err
			}
		}
		err := ch.Publish(ctx, target, msg)
		if !errors.Is(err, ErrUnroutable) {
			return err
		}
	}

	e.logger.Warn("could not resolve original destination, using fallback queue",
		zap.String("msgSysId", SystemID(d)),
		zap.String("target", target),
		zap.String("fallbackQueue", e.fallbackQueue))

	if err := ch.DeclareQueue(e.fallbackQueue); err != nil {
		return err
	}
	return ch.Publish(ctx, e.fallbackQueue, msg)
}

// originStage resolves the stage a message was headed for, from its
// headers or from the queue RabbitMQ dead-lettered it from
func (e *Engine) originStage(d amqp.Delivery) string {
	if to := headerString(d.Headers, HeaderTo); to != "" {
		return to
	}
	death, ok := firstDeath(d.Headers)
	if !ok {
		return ""
	}
	queue, _ := death["queue"].(string)
	if queue == "" {
		return ""
	}
	dest, err := e.classifier.Classify(fabric.RawDestination{FQName: fabric.QualifiedName(fabric.KindQueue, queue)})
	if err != nil || dest.Role == nil || dest.Role.DeadLetter {
		return ""
	}
	return dest.StageID
}

func (e *Engine) sourceRole(queue string) (fabric.Role, bool) {
	name, err := queueName(queue)
	if err != nil {
		return fabric.Role{}, false
	}
	dest, err := e.classifier.Classify(fabric.RawDestination{FQName: fabric.QualifiedName(fabric.KindQueue, name)})
	if err != nil || dest.Role == nil {
		return fabric.Role{}, false
	}
	return *dest.Role, true
}

// queueName accepts a bare queue name or a queue:// name
func queueName(queue string) (string, error) {
	if strings.HasPrefix(queue, fabric.TopicPrefix) {
		return "", invalidArgument("%q is a topic", queue)
	}
	name := strings.TrimPrefix(queue, fabric.QueuePrefix)
	if name == "" {
		return "", invalidArgument("queue name is empty")
	}
	return name, nil
}

package broadcast

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/mmate-brokermonitor/monitor"
)

// Relay is a listener that publishes the node's own update events to the bus.
// Events received from other nodes are not republished.
type Relay struct {
	publisher Publisher
	timeout   time.Duration
}

// NewRelay creates a relay publishing with the given per-event timeout
func NewRelay(publisher Publisher, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Relay{publisher: publisher, timeout: timeout}
}

func (r *Relay) Name() string {
	return "broadcast-relay"
}

func (r *Relay) HandleUpdate(event monitor.UpdateEvent) error {
	if !event.OriginLocal {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.publisher.Publish(ctx, event)
}

// CommandForwarder serves force updates on a node without a poller by
// sending them to the bus
type CommandForwarder struct {
	publisher Publisher
	nodeID    string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewCommandForwarder creates a forwarder for nodeID
func NewCommandForwarder(publisher Publisher, nodeID string, logger *zap.Logger) *CommandForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandForwarder{publisher: publisher, nodeID: nodeID, timeout: 5 * time.Second, logger: logger}
}

// ForceUpdate implements monitor.ForceUpdater
func (f *CommandForwarder) ForceUpdate(correlationID string, full bool) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	cmd := Command{CorrelationID: correlationID, Full: full, NodeID: f.nodeID}
	if err := f.publisher.PublishCommand(ctx, cmd); err != nil {
		f.logger.Error("failed to forward force update",
			zap.String("correlationId", correlationID),
			zap.Error(err))
	}
}

// Receiver feeds updates from the polling node into the local snapshot manager
// of a listen-only node, or serves force-update commands on the polling node.
type Receiver struct {
	subscriber Subscriber
	sink       monitor.UpdateSink
	updater    monitor.ForceUpdater
	nodeID     string
	logger     *zap.Logger
	subs       []Subscription
}

// NewReceiver creates a receiver. sink is nil on nodes running a poller, which
// own their snapshot; updater is nil on nodes without one.
func NewReceiver(subscriber Subscriber, sink monitor.UpdateSink, updater monitor.ForceUpdater, nodeID string, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{subscriber: subscriber, sink: sink, updater: updater, nodeID: nodeID, logger: logger}
}

// Start subscribes to the bus
func (r *Receiver) Start(ctx context.Context) error {
	if r.sink != nil {
		sub, err := r.subscriber.Subscribe(ctx, r.handleUpdate)
		if err != nil {
			return err
		}
		r.subs = append(r.subs, sub)
	}

	if r.updater != nil {
		sub, err := r.subscriber.SubscribeCommands(ctx, r.handleCommand)
		if err != nil {
			r.Stop()
			return err
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

// Stop releases the subscriptions
func (r *Receiver) Stop() error {
	var firstErr error
	for _, sub := range r.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.subs = nil
	return firstErr
}

func (r *Receiver) handleUpdate(raw monitor.RawUpdate) {
	if raw.OriginNodeID == r.nodeID {
		return
	}
	if err := r.sink.Update(raw); err != nil {
		r.logger.Error("failed to apply remote update",
			zap.String("originNodeId", raw.OriginNodeID),
			zap.String("correlationId", raw.CorrelationID),
			zap.Error(err))
	}
}

func (r *Receiver) handleCommand(cmd Command) {
	r.logger.Debug("received force update",
		zap.String("fromNodeId", cmd.NodeID),
		zap.String("correlationId", cmd.CorrelationID),
		zap.Bool("full", cmd.Full))
	r.updater.ForceUpdate(cmd.CorrelationID, cmd.Full)
}

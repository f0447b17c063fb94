package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/mmate-brokermonitor/fabric"
)

// DefaultForceUpdateTimeout bounds ForceUpdateAndWait.
const DefaultForceUpdateTimeout = 5000 * time.Millisecond

var (
	// ErrNoForceUpdater is returned when no statistics source accepts force updates
	ErrNoForceUpdater = errors.New("monitor: no force updater configured")
)

// ForceUpdater requests an out-of-band statistics refresh. It must not block.
type ForceUpdater interface {
	ForceUpdate(correlationID string, full bool)
}

// Recorder receives the snapshot manager's measurements.
type Recorder interface {
	FailureRecorder
	SnapshotPublished(snapshot *Snapshot)
	IntegrityViolation()
	RawDestinationRejected()
}

// SnapshotManager owns the current Snapshot. Update is called by the single
// statistics producer of the node, either the local poller or the broadcast
// receiver of a listen-only node; every other method may be called concurrently.
type SnapshotManager struct {
	classifier    *fabric.Classifier
	aggregateOpts []fabric.AggregateOption
	current       atomic.Pointer[Snapshot]
	listeners     *ListenerRegistry
	waiters       *Waiters[UpdateEvent]
	recorder      Recorder
	logger        *zap.Logger
	now           func() time.Time

	updaterMu sync.RWMutex
	updater   ForceUpdater
}

// ManagerOption configures the SnapshotManager
type ManagerOption func(*SnapshotManager)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *SnapshotManager) {
		m.logger = logger
	}
}

// WithAggregateOptions sets the options used when building the fabric tree
func WithAggregateOptions(opts ...fabric.AggregateOption) ManagerOption {
	return func(m *SnapshotManager) {
		m.aggregateOpts = append(m.aggregateOpts, opts...)
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(recorder Recorder) ManagerOption {
	return func(m *SnapshotManager) {
		m.recorder = recorder
	}
}

// WithForceUpdater sets the statistics source that serves force updates
func WithForceUpdater(updater ForceUpdater) ManagerOption {
	return func(m *SnapshotManager) {
		m.updater = updater
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) ManagerOption {
	return func(m *SnapshotManager) {
		m.now = now
	}
}

// NewSnapshotManager creates a manager in the empty state.
func NewSnapshotManager(classifier *fabric.Classifier, options ...ManagerOption) *SnapshotManager {
	m := &SnapshotManager{
		classifier: classifier,
		waiters:    NewWaiters[UpdateEvent](),
		logger:     zap.NewNop(),
		now:        time.Now,
	}

	for _, opt := range options {
		opt(m)
	}

	var failures FailureRecorder
	if m.recorder != nil {
		failures = m.recorder
	}
	m.listeners = NewListenerRegistry(m.logger, failures)

	return m
}

// SetForceUpdater replaces the statistics source serving force updates
func (m *SnapshotManager) SetForceUpdater(updater ForceUpdater) {
	m.updaterMu.Lock()
	defer m.updaterMu.Unlock()
	m.updater = updater
}

// Classifier returns the classifier used for raw updates
func (m *SnapshotManager) Classifier() *fabric.Classifier {
	return m.classifier
}

// Snapshot returns the current snapshot, or false before the first update.
func (m *SnapshotManager) Snapshot() (*Snapshot, bool) {
	s := m.current.Load()
	return s, s != nil
}

// BrokerInfo returns the broker descriptor of the current snapshot.
func (m *SnapshotManager) BrokerInfo() (*BrokerInfo, bool) {
	s := m.current.Load()
	if s == nil || s.Broker == nil {
		return nil, false
	}
	return s.Broker, true
}

// RegisterListener adds a listener and returns its removal function
func (m *SnapshotManager) RegisterListener(listener Listener) (remove func()) {
	return m.listeners.Register(listener)
}

// Update classifies a raw statistics batch, publishes a new Snapshot and
// broadcasts the resulting UpdateEvent. If the destinations cannot be
// aggregated the current Snapshot stays in effect and the error is returned.
// A partial update from another node is merged onto the current Snapshot:
// destinations it omits are kept with an empty queue.
func (m *SnapshotManager) Update(raw RawUpdate) error {
	local := m.now()

	all := make(map[string]*fabric.Destination, len(raw.Destinations))
	nonZero := make(map[string]*fabric.Destination)
	list := make([]*fabric.Destination, 0, len(raw.Destinations))
	var brokerTime time.Time

	for _, r := range raw.Destinations {
		d, err := m.classifier.Classify(r)
		if err != nil {
			m.logger.Warn("skipping unparseable destination", zap.String("destination", r.FQName), zap.Error(err))
			if m.recorder != nil {
				m.recorder.RawDestinationRejected()
			}
			continue
		}
		all[d.FQName] = d
		if d.QueuedMessages > 0 {
			nonZero[d.FQName] = d
		}
		if r.BrokerTime.After(brokerTime) {
			brokerTime = r.BrokerTime
		}
	}
	broker := raw.Broker
	if prev := m.current.Load(); prev != nil && !raw.Full && !raw.OriginLocal {
		// a remote partial event carries only non-empty destinations
		for name, d := range prev.Destinations {
			if _, ok := all[name]; !ok {
				all[name] = drained(d, local)
			}
		}
		if broker == nil {
			broker = prev.Broker
		}
	}
	for _, d := range all {
		list = append(list, d)
	}

	tree, err := fabric.Aggregate(list, m.aggregateOpts...)
	if err != nil {
		m.logger.Error("aggregation failed, keeping previous snapshot",
			zap.String("correlationId", raw.CorrelationID),
			zap.Error(err))
		if m.recorder != nil {
			m.recorder.IntegrityViolation()
		}
		return fmt.Errorf("aggregate destinations: %w", err)
	}

	snapshot := &Snapshot{
		LastUpdateLocal:  local,
		LastUpdateBroker: brokerTime,
		Destinations:     all,
		Broker:           broker,
		StatsLatency:     raw.StatsLatency,
		Fabric:           tree,
	}
	m.current.Store(snapshot)

	if m.recorder != nil {
		m.recorder.SnapshotPublished(snapshot)
	}

	event := UpdateEvent{
		Timestamp:     local,
		CorrelationID: raw.CorrelationID,
		Full:          raw.Full,
		Broker:        broker,
		OriginLocal:   raw.OriginLocal,
		OriginNodeID:  raw.OriginNodeID,
		Destinations:  nonZero,
	}
	if raw.Full {
		event.Destinations = all
	}

	m.logger.Debug("snapshot published",
		zap.Int("destinations", len(all)),
		zap.Int("nonZero", len(nonZero)),
		zap.Bool("full", raw.Full),
		zap.String("correlationId", raw.CorrelationID))

	m.listeners.Broadcast(event)

	if raw.CorrelationID != "" {
		m.waiters.Complete(raw.CorrelationID, event)
	}

	return nil
}

// drained returns d with its queue emptied, or d itself when already empty.
func drained(d *fabric.Destination, at time.Time) *fabric.Destination {
	if d.QueuedMessages == 0 {
		return d
	}
	c := *d
	c.QueuedMessages = 0
	c.HeadMessageAge = 0
	c.HeadAgeKnown = false
	c.LastUpdate = at
	return &c
}

// ForceUpdate asks the statistics source for an immediate refresh. It does not wait.
func (m *SnapshotManager) ForceUpdate(correlationID string, full bool) error {
	m.updaterMu.RLock()
	updater := m.updater
	m.updaterMu.RUnlock()

	if updater == nil {
		return ErrNoForceUpdater
	}
	m.logger.Debug("force update requested", zap.String("correlationId", correlationID), zap.Bool("full", full))
	updater.ForceUpdate(correlationID, full)
	return nil
}

// ForceUpdateAndWait requests a refresh and waits for the UpdateEvent carrying
// its correlation id. confirmed is false if the event did not arrive within
// timeout; the refresh itself carries on regardless.
func (m *SnapshotManager) ForceUpdateAndWait(ctx context.Context, correlationID string, full bool, timeout time.Duration) (confirmed bool, err error) {
	if correlationID == "" {
		correlationID = NewCorrelationID("ForceUpdate")
	}

	ch, cancel := m.waiters.Register(correlationID)
	if err := m.ForceUpdate(correlationID, full); err != nil {
		cancel()
		return false, err
	}

	_, confirmed, err = m.waiters.Await(ctx, ch, cancel, timeout)
	if !confirmed && err == nil {
		m.logger.Warn("force update not confirmed in time",
			zap.String("correlationId", correlationID),
			zap.Duration("timeout", timeout))
	}
	return confirmed, err
}

// NewCorrelationID builds a correlation id of the form <prefix>_<random>.
func NewCorrelationID(prefix string) string {
	return prefix + "_" + strconv.FormatInt(rand.Int63(), 36)
}

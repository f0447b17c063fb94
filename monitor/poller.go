package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-brokermonitor/fabric"
)

// StatsSource provides the broker statistics a Poller turns into raw updates.
type StatsSource interface {
	ListQueues(ctx context.Context) ([]QueueInfo, error)
	ListExchanges(ctx context.Context) ([]ExchangeInfo, error)
	Overview(ctx context.Context) (*Overview, error)
}

// UpdateSink consumes raw updates; SnapshotManager is the usual sink.
type UpdateSink interface {
	Update(raw RawUpdate) error
}

// PollRecorder receives poll measurements
type PollRecorder interface {
	PollCompleted(duration time.Duration, err error)
}

type forceRequest struct {
	correlationID string
	full          bool
}

// Poller periodically reads statistics from the broker and feeds them to
// the sink. It serves force update requests between ticks.
type Poller struct {
	source    StatsSource
	sink      UpdateSink
	nodeID    string
	interval  time.Duration
	fullEvery int
	timeout   time.Duration
	logger    *zap.Logger
	recorder  PollRecorder
	now       func() time.Time

	forceCh chan forceRequest
	cycles  int

	running      bool
	runningMutex sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
}

// PollerOption configures the Poller
type PollerOption func(*Poller)

// WithPollInterval sets the time between periodic polls
func WithPollInterval(interval time.Duration) PollerOption {
	return func(p *Poller) {
		p.interval = interval
	}
}

// WithFullUpdateEvery makes every n-th periodic poll a full update
func WithFullUpdateEvery(n int) PollerOption {
	return func(p *Poller) {
		p.fullEvery = n
	}
}

// WithPollTimeout bounds a single poll
func WithPollTimeout(timeout time.Duration) PollerOption {
	return func(p *Poller) {
		p.timeout = timeout
	}
}

// WithPollerLogger sets the logger
func WithPollerLogger(logger *zap.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithPollRecorder sets the metrics recorder
func WithPollRecorder(recorder PollRecorder) PollerOption {
	return func(p *Poller) {
		p.recorder = recorder
	}
}

// WithPollerClock overrides time.Now
func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) {
		p.now = now
	}
}

// NewPoller creates a poller publishing raw updates tagged with nodeID
func NewPoller(source StatsSource, sink UpdateSink, nodeID string, options ...PollerOption) *Poller {
	p := &Poller{
		source:    source,
		sink:      sink,
		nodeID:    nodeID,
		interval:  15 * time.Second,
		fullEvery: 10,
		timeout:   30 * time.Second,
		logger:    zap.NewNop(),
		now:       time.Now,
		forceCh:   make(chan forceRequest, 16),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Start begins polling. The first poll is a full update and happens immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.runningMutex.Lock()
	defer p.runningMutex.Unlock()

	if p.running {
		return fmt.Errorf("poller is already running")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true

	p.logger.Info("starting statistics poller", zap.Duration("interval", p.interval), zap.String("nodeId", p.nodeID))

	go p.pollingLoop(ctx)
	return nil
}

// Stop stops polling and waits for an in-flight poll to finish
func (p *Poller) Stop() error {
	p.runningMutex.Lock()
	defer p.runningMutex.Unlock()

	if !p.running {
		return fmt.Errorf("poller is not running")
	}

	p.logger.Info("stopping statistics poller")
	p.cancel()
	<-p.done
	p.running = false

	return nil
}

// IsRunning returns whether the poller is running
func (p *Poller) IsRunning() bool {
	p.runningMutex.Lock()
	defer p.runningMutex.Unlock()
	return p.running
}

// ForceUpdate schedules an immediate poll. Requests arriving while the queue
// of pending requests is full are dropped; their waiters time out.
func (p *Poller) ForceUpdate(correlationID string, full bool) {
	select {
	case p.forceCh <- forceRequest{correlationID: correlationID, full: full}:
	default:
		p.logger.Warn("force update dropped, too many pending requests", zap.String("correlationId", correlationID))
	}
}

func (p *Poller) pollingLoop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx, "", true)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.forceCh:
			p.Poll(ctx, req.correlationID, req.full)
		case <-ticker.C:
			p.cycles++
			full := p.fullEvery > 0 && p.cycles%p.fullEvery == 0
			p.Poll(ctx, "", full)
		}
	}
}

// Poll performs one statistics round trip and hands the result to the sink.
func (p *Poller) Poll(ctx context.Context, correlationID string, full bool) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()
	raw, err := p.fetch(ctx)
	elapsed := p.now().Sub(start)

	if p.recorder != nil {
		p.recorder.PollCompleted(elapsed, err)
	}
	if err != nil {
		p.logger.Error("statistics poll failed", zap.String("correlationId", correlationID), zap.Error(err))
		return err
	}

	raw.Full = full
	raw.CorrelationID = correlationID
	raw.OriginNodeID = p.nodeID
	raw.OriginLocal = true
	raw.StatsLatency = elapsed

	return p.sink.Update(raw)
}

func (p *Poller) fetch(ctx context.Context) (RawUpdate, error) {
	var (
		queues    []QueueInfo
		exchanges []ExchangeInfo
		overview  *Overview
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		queues, err = p.source.ListQueues(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		exchanges, err = p.source.ListExchanges(gctx)
		return err
	})
	g.Go(func() error {
		o, err := p.source.Overview(gctx)
		if err != nil {
			// statistics are still usable without the broker descriptor
			p.logger.Warn("broker overview unavailable", zap.Error(err))
			return nil
		}
		overview = o
		return nil
	})
	if err := g.Wait(); err != nil {
		return RawUpdate{}, err
	}

	sample := p.now()
	raw := RawUpdate{Destinations: make([]fabric.RawDestination, 0, len(queues)+len(exchanges))}

	for _, q := range queues {
		d := fabric.RawDestination{
			FQName:           fabric.QualifiedName(fabric.KindQueue, q.Name),
			QueuedMessages:   q.MessagesReady,
			InFlightMessages: q.MessagesUnacknowledged,
			SampleTime:       sample,
		}
		if q.HeadMessageTimestamp > 0 {
			d.FirstMessageTime = time.Unix(q.HeadMessageTimestamp, 0)
		}
		raw.Destinations = append(raw.Destinations, d)
	}
	for _, e := range exchanges {
		if e.Type != "topic" && e.Type != "fanout" {
			continue
		}
		raw.Destinations = append(raw.Destinations, fabric.RawDestination{
			FQName:     fabric.QualifiedName(fabric.KindTopic, e.Name),
			SampleTime: sample,
		})
	}

	if overview != nil {
		name := overview.ClusterName
		if name == "" {
			name = overview.Node
		}
		raw.Broker = &BrokerInfo{
			Type:    "RabbitMQ",
			Name:    name,
			Version: overview.RabbitMQVersion,
			JSON:    string(overview.Raw),
		}
	}

	return raw, nil
}

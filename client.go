// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package brokermonitor assembles the broker monitor: statistics polling,
// snapshot distribution, dead-letter actions and the HTTP API.
package brokermonitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-brokermonitor/broadcast"
	"github.com/glimte/mmate-brokermonitor/command"
	"github.com/glimte/mmate-brokermonitor/deadletter"
	"github.com/glimte/mmate-brokermonitor/fabric"
	"github.com/glimte/mmate-brokermonitor/internal/config"
	"github.com/glimte/mmate-brokermonitor/internal/metrics"
	"github.com/glimte/mmate-brokermonitor/internal/rabbitmq"
	"github.com/glimte/mmate-brokermonitor/monitor"
)

// Monitor is one broker monitor node
type Monitor struct {
	cfg        *config.Config
	logger     *zap.Logger
	nodeID     string
	classifier *fabric.Classifier
	manager    *monitor.SnapshotManager
	management *monitor.ManagementClient
	poller     *monitor.Poller
	conn       *rabbitmq.ConnectionManager
	engine     *deadletter.Engine
	dispatcher *command.Dispatcher
	bus        broadcast.Bus
	receiver   *broadcast.Receiver
	collector  *metrics.Collector
	alerter    *monitor.DeadLetterAlerter
	health     *monitor.HealthRegistry
	gatherer   prometheus.Gatherer
}

// clientConfig holds monitor options
type clientConfig struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	bus      broadcast.Bus
	source   monitor.StatsSource
	opener   deadletter.ChannelOpener
	listen   bool
	alerts   []monitor.AlertHandler
}

// Option configures the Monitor
type Option func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithRegistry sets the Prometheus registry metrics are registered with and served from
func WithRegistry(registry *prometheus.Registry) Option {
	return func(cfg *clientConfig) {
		cfg.registry = registry
	}
}

// WithBus replaces the broadcast bus chosen by the configuration
func WithBus(bus broadcast.Bus) Option {
	return func(cfg *clientConfig) {
		cfg.bus = bus
	}
}

// WithStatsSource replaces the management API client as statistics source
func WithStatsSource(source monitor.StatsSource) Option {
	return func(cfg *clientConfig) {
		cfg.source = source
	}
}

// WithChannelOpener replaces the AMQP channels used by dead-letter actions
func WithChannelOpener(opener deadletter.ChannelOpener) Option {
	return func(cfg *clientConfig) {
		cfg.opener = opener
	}
}

// WithListenOnly makes the node take its snapshots from the bus instead of
// polling the broker. Force updates are forwarded to the polling node.
func WithListenOnly() Option {
	return func(cfg *clientConfig) {
		cfg.listen = true
	}
}

// WithAlertHandler adds a handler for dead-letter alerts and enables alerting
func WithAlertHandler(handler monitor.AlertHandler) Option {
	return func(cfg *clientConfig) {
		cfg.alerts = append(cfg.alerts, handler)
	}
}

// New wires a monitor node from cfg. Nothing touches the network until Start.
func New(cfg *config.Config, options ...Option) (*Monitor, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	opts := &clientConfig{logger: zap.NewNop()}
	for _, opt := range options {
		opt(opts)
	}
	if opts.registry == nil {
		opts.registry = prometheus.NewRegistry()
	}

	logger := opts.logger
	nodeID := cfg.Broadcast.NodeID
	if nodeID == "" {
		nodeID = defaultNodeID()
	}
	logger = logger.With(zap.String("nodeId", nodeID))

	m := &Monitor{
		cfg:       cfg,
		logger:    logger,
		nodeID:    nodeID,
		collector: metrics.NewCollector(opts.registry),
		health:    monitor.NewHealthRegistry(),
		gatherer:  opts.registry,
	}

	classifierOpts := []fabric.ClassifierOption{}
	if cfg.Fabric.GlobalDLQName != "" {
		classifierOpts = append(classifierOpts, fabric.WithGlobalDLQName(cfg.Fabric.GlobalDLQName))
	}
	m.classifier = fabric.NewClassifier(cfg.Fabric.NamespacePrefix, classifierOpts...)

	aggregateOpts := []fabric.AggregateOption{}
	if cfg.Fabric.PrivateMarker != "" {
		aggregateOpts = append(aggregateOpts, fabric.WithPrivateMarker(cfg.Fabric.PrivateMarker))
	}
	if cfg.Fabric.CaseInsensitiveEndpoints {
		aggregateOpts = append(aggregateOpts, fabric.WithNormalizer(fabric.CaseInsensitive))
	}

	m.manager = monitor.NewSnapshotManager(m.classifier,
		monitor.WithLogger(logger.Named("snapshot")),
		monitor.WithRecorder(m.collector),
		monitor.WithAggregateOptions(aggregateOpts...))

	if err := m.wireBus(opts); err != nil {
		return nil, err
	}
	m.wireStatistics(opts)
	m.wireDeadLetters(opts)

	m.dispatcher = command.NewDispatcher(m.engine, m.manager,
		command.WithForceUpdateTimeout(cfg.HTTP.ForceUpdateTimeout),
		command.WithDefaultUser(cfg.DeadLetter.DefaultUser),
		command.WithLogger(logger.Named("command")))

	m.health.Register(monitor.NewSnapshotFreshnessChecker(m.manager, cfg.Broker.PollInterval))
	m.wireAlerts(opts)

	return m, nil
}

func (m *Monitor) wireAlerts(opts *clientConfig) {
	cfg := m.cfg.Alerts
	handlers := opts.alerts
	if cfg.Enabled {
		logger := m.logger.Named("alerts")
		handlers = append(handlers, monitor.NewLogAlertHandler(logger))
		if cfg.WebhookURL != "" {
			webhook := monitor.NewWebhookAlertHandler("webhook", cfg.WebhookURL, cfg.WebhookFormat, logger).
				WithRetries(cfg.Retries, cfg.RetryDelay)
			if cfg.WebhookSecret != "" {
				webhook.WithSecret(cfg.WebhookSecret)
			}
			handlers = append(handlers, webhook)
		}
	}
	if len(handlers) == 0 {
		return
	}

	m.alerter = monitor.NewDeadLetterAlerter(m.manager, handlers,
		monitor.WithAlertLogger(m.logger.Named("alerts")),
		monitor.WithCriticalThreshold(cfg.CriticalThreshold))
	m.manager.RegisterListener(m.alerter)
}

func (m *Monitor) wireBus(opts *clientConfig) error {
	bus := opts.bus
	if bus == nil {
		switch m.cfg.Broadcast.Mode {
		case config.BroadcastRedis:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			redisBus, err := broadcast.DialRedis(ctx,
				m.cfg.Broadcast.Redis.Addr, m.cfg.Broadcast.Redis.Password, m.cfg.Broadcast.Redis.DB,
				broadcast.WithChannels(m.cfg.Broadcast.UpdatesChannel, m.cfg.Broadcast.CommandsChannel),
				broadcast.WithLogger(m.logger.Named("broadcast")))
			if err != nil {
				return fmt.Errorf("failed to connect broadcast bus: %w", err)
			}
			m.health.Register(redisBus.HealthChecker())
			bus = redisBus
		default:
			bus = broadcast.NewInProcess()
		}
	}
	m.bus = bus
	m.manager.RegisterListener(broadcast.NewRelay(bus, 5*time.Second))
	return nil
}

func (m *Monitor) wireStatistics(opts *clientConfig) {
	if opts.listen {
		m.manager.SetForceUpdater(broadcast.NewCommandForwarder(m.bus, m.nodeID, m.logger.Named("broadcast")))
		m.receiver = broadcast.NewReceiver(m.bus, m.manager, nil, m.nodeID, m.logger.Named("broadcast"))
		return
	}

	source := opts.source
	if source == nil {
		m.management = m.newManagementClient()
		m.health.Register(monitor.NewBreakerChecker(m.management))
		source = m.management
	}

	m.poller = monitor.NewPoller(source, m.manager, m.nodeID,
		monitor.WithPollInterval(m.cfg.Broker.PollInterval),
		monitor.WithFullUpdateEvery(m.cfg.Broker.FullUpdateEvery),
		monitor.WithPollTimeout(m.cfg.Broker.RequestTimeout),
		monitor.WithPollerLogger(m.logger.Named("poller")),
		monitor.WithPollRecorder(m.collector))
	m.manager.SetForceUpdater(m.poller)
	m.receiver = broadcast.NewReceiver(m.bus, nil, m.poller, m.nodeID, m.logger.Named("broadcast"))
}

func (m *Monitor) newManagementClient() *monitor.ManagementClient {
	url := m.cfg.Broker.ManagementURL
	user, password := m.cfg.Broker.ManagementUser, m.cfg.Broker.ManagementPassword
	if derived, u, p, err := monitor.ManagementURLFromAMQP(m.cfg.Broker.AMQPURL); err == nil {
		if url == "" {
			url = derived
		}
		if user == "" {
			user, password = u, p
		}
	}

	return monitor.NewManagementClient(url,
		monitor.WithCredentials(user, password),
		monitor.WithVHost(m.cfg.Broker.VHost),
		monitor.WithHTTPClient(&http.Client{Timeout: m.cfg.Broker.RequestTimeout}),
		monitor.WithClientLogger(m.logger.Named("management")))
}

func (m *Monitor) wireDeadLetters(opts *clientConfig) {
	opener := opts.opener
	if opener == nil {
		m.conn = rabbitmq.NewConnectionManager(m.cfg.Broker.AMQPURL,
			rabbitmq.WithLogger(m.logger.Named("amqp")))
		m.health.Register(monitor.NewConnectionChecker(m.conn))
		opener = deadletter.NewAMQPOpener(m.conn)
	}

	m.engine = deadletter.NewEngine(opener, m.classifier,
		deadletter.WithBrowseLimit(m.cfg.DeadLetter.BrowseLimit),
		deadletter.WithScanLimit(m.cfg.DeadLetter.ScanLimit),
		deadletter.WithFallbackQueue(m.cfg.DeadLetter.FallbackQueue),
		deadletter.WithLogger(m.logger.Named("deadletter")),
		deadletter.WithRecorder(m.collector))
}

// Start connects to the broker and the bus and begins polling. A failed AMQP
// connection is logged and retried in the background; it only affects
// dead-letter actions.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.Connect(ctx); err != nil {
		m.logger.Warn("AMQP connection failed, dead-letter actions unavailable until reconnected", zap.Error(err))
		m.conn.ConnectInBackground()
	}

	if err := m.receiver.Start(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to broadcast bus: %w", err)
	}

	if m.poller != nil {
		if err := m.poller.Start(ctx); err != nil {
			m.receiver.Stop()
			return fmt.Errorf("failed to start poller: %w", err)
		}
	}

	m.logger.Info("broker monitor started", zap.Bool("polling", m.poller != nil))
	return nil
}

// Connect opens the AMQP connection dead-letter actions run on, without
// starting the poller
func (m *Monitor) Connect(ctx context.Context) error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Connect(ctx)
}

// Serve starts the monitor and its HTTP API and blocks until ctx is done
func (m *Monitor) Serve(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Close()

	server := &http.Server{
		Addr:              m.cfg.HTTP.ListenAddress,
		Handler:           m.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.logger.Info("HTTP server listening", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Router returns the HTTP API with health and metrics endpoints
func (m *Monitor) Router() *gin.Engine {
	h := command.NewHandler(m.dispatcher, m.manager, m.engine, m.logger.Named("http"))
	return command.NewRouter(h,
		monitor.NewHealthHandler(m.health, 5*time.Second),
		promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}

// Close stops polling and releases the broker and bus connections
func (m *Monitor) Close() error {
	var errs []error
	if m.poller != nil && m.poller.IsRunning() {
		errs = append(errs, m.poller.Stop())
	}
	if m.receiver != nil {
		errs = append(errs, m.receiver.Stop())
	}
	if m.alerter != nil {
		errs = append(errs, m.alerter.Close())
	}
	if m.bus != nil {
		errs = append(errs, m.bus.Close())
	}
	if m.conn != nil {
		errs = append(errs, m.conn.Close())
	}
	return errors.Join(errs...)
}

// Manager returns the snapshot manager
func (m *Monitor) Manager() *monitor.SnapshotManager {
	return m.manager
}

// Engine returns the dead-letter engine
func (m *Monitor) Engine() *deadletter.Engine {
	return m.engine
}

// Dispatcher returns the command dispatcher
func (m *Monitor) Dispatcher() *command.Dispatcher {
	return m.dispatcher
}

// Health returns the health registry
func (m *Monitor) Health() *monitor.HealthRegistry {
	return m.health
}

// NodeID returns the id this node tags its updates with
func (m *Monitor) NodeID() string {
	return m.nodeID
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

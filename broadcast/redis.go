package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/glimte/mmate-brokermonitor/monitor"
)

const (
	DefaultUpdatesChannel  = "mmate:brokermonitor:updates"
	DefaultCommandsChannel = "mmate:brokermonitor:commands"
)

// redisClient is the part of *redis.Client the bus uses
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Redis is a Bus over Redis pub/sub
type Redis struct {
	client          redisClient
	updatesChannel  string
	commandsChannel string
	logger          *zap.Logger
}

// RedisOption configures the Redis bus
type RedisOption func(*Redis)

// WithChannels overrides the pub/sub channel names
func WithChannels(updates, commands string) RedisOption {
	return func(r *Redis) {
		if updates != "" {
			r.updatesChannel = updates
		}
		if commands != "" {
			r.commandsChannel = commands
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) RedisOption {
	return func(r *Redis) {
		r.logger = logger
	}
}

// NewRedis creates a bus on client. The bus owns the client and closes it.
func NewRedis(client *redis.Client, options ...RedisOption) *Redis {
	return newRedis(client, options...)
}

func newRedis(client redisClient, options ...RedisOption) *Redis {
	r := &Redis{
		client:          client,
		updatesChannel:  DefaultUpdatesChannel,
		commandsChannel: DefaultCommandsChannel,
		logger:          zap.NewNop(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// DialRedis connects to addr and verifies the connection
func DialRedis(ctx context.Context, addr, password string, db int, options ...RedisOption) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return NewRedis(client, options...), nil
}

func (r *Redis) Publish(ctx context.Context, event monitor.UpdateEvent) error {
	data, err := EncodeUpdate(event)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.updatesChannel, data).Err(); err != nil {
		return fmt.Errorf("publish update to %s: %w", r.updatesChannel, err)
	}
	return nil
}

func (r *Redis) PublishCommand(ctx context.Context, cmd Command) error {
	data, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.commandsChannel, data).Err(); err != nil {
		return fmt.Errorf("publish command to %s: %w", r.commandsChannel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, handler func(monitor.RawUpdate)) (Subscription, error) {
	return r.subscribe(ctx, r.updatesChannel, func(payload string) error {
		raw, err := DecodeUpdate([]byte(payload))
		if err != nil {
			return err
		}
		handler(raw)
		return nil
	})
}

func (r *Redis) SubscribeCommands(ctx context.Context, handler func(Command)) (Subscription, error) {
	return r.subscribe(ctx, r.commandsChannel, func(payload string) error {
		cmd, err := DecodeCommand([]byte(payload))
		if err != nil {
			return err
		}
		handler(cmd)
		return nil
	})
}

func (r *Redis) subscribe(ctx context.Context, channel string, handle func(payload string) error) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	go func() {
		for msg := range ps.Channel() {
			if err := handle(msg.Payload); err != nil {
				r.logger.Warn("dropping broadcast message", zap.String("channel", channel), zap.Error(err))
			}
		}
	}()

	return ps, nil
}

// Close closes the Redis client
func (r *Redis) Close() error {
	return r.client.Close()
}

// HealthChecker reports whether Redis answers pings
func (r *Redis) HealthChecker() monitor.Checker {
	return &redisChecker{client: r.client}
}

type redisChecker struct {
	client redisClient
}

func (c *redisChecker) Name() string {
	return "redis"
}

func (c *redisChecker) Check(ctx context.Context) monitor.CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := monitor.CheckResult{Name: c.Name(), Status: monitor.StatusHealthy, Timestamp: time.Now()}
	if err := c.client.Ping(ctx).Err(); err != nil {
		// snapshots go stale on this node, dead-letter actions still work
		result.Status = monitor.StatusDegraded
		result.Message = fmt.Sprintf("redis ping failed: %v", err)
	}
	return result
}

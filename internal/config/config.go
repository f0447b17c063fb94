package config

import (
	"time"
)

// Config is the broker monitor configuration
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	Fabric     FabricConfig     `mapstructure:"fabric"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type BrokerConfig struct {
	AMQPURL            string        `mapstructure:"amqp_url"`
	ManagementURL      string        `mapstructure:"management_url"`
	ManagementUser     string        `mapstructure:"management_user"`
	ManagementPassword string        `mapstructure:"management_password"`
	VHost              string        `mapstructure:"vhost"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	FullUpdateEvery    int           `mapstructure:"full_update_every"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

type FabricConfig struct {
	NamespacePrefix          string `mapstructure:"namespace_prefix"`
	GlobalDLQName            string `mapstructure:"global_dlq_name"`
	PrivateMarker            string `mapstructure:"private_marker"`
	CaseInsensitiveEndpoints bool   `mapstructure:"case_insensitive_endpoints"`
}

type DeadLetterConfig struct {
	BrowseLimit   int    `mapstructure:"browse_limit"`
	ScanLimit     int    `mapstructure:"scan_limit"`
	FallbackQueue string `mapstructure:"fallback_queue"`
	DefaultUser   string `mapstructure:"default_user"`
}

type BroadcastConfig struct {
	Mode            string      `mapstructure:"mode"`
	NodeID          string      `mapstructure:"node_id"`
	UpdatesChannel  string      `mapstructure:"updates_channel"`
	CommandsChannel string      `mapstructure:"commands_channel"`
	Redis           RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type HTTPConfig struct {
	ListenAddress      string        `mapstructure:"listen_address"`
	ForceUpdateTimeout time.Duration `mapstructure:"force_update_timeout"`
}

type AlertsConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	WebhookURL        string        `mapstructure:"webhook_url"`
	WebhookFormat     string        `mapstructure:"webhook_format"`
	WebhookSecret     string        `mapstructure:"webhook_secret"`
	Retries           int           `mapstructure:"retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	CriticalThreshold int64         `mapstructure:"critical_threshold"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Broadcast modes
const (
	BroadcastInProcess = "inprocess"
	BroadcastRedis     = "redis"
)

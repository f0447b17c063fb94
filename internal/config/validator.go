package config

import (
	"errors"
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Validate checks cfg and returns every problem found
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateBroker(cfg.Broker)...)
	errs = append(errs, validateFabric(cfg.Fabric)...)
	errs = append(errs, validateDeadLetter(cfg.DeadLetter)...)
	errs = append(errs, validateBroadcast(cfg.Broadcast)...)
	errs = append(errs, validateAlerts(cfg.Alerts)...)

	if cfg.HTTP.ForceUpdateTimeout <= 0 {
		errs = append(errs, &ValidationError{Field: "http.force_update_timeout", Message: "must be positive"})
	}

	return errors.Join(errs...)
}

func validateBroker(cfg BrokerConfig) []error {
	var errs []error

	u, err := url.Parse(cfg.AMQPURL)
	if err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
		errs = append(errs, &ValidationError{
			Field:   "broker.amqp_url",
			Message: fmt.Sprintf("must be an amqp:// or amqps:// url, got %q", cfg.AMQPURL),
		})
	}
	if cfg.ManagementURL != "" {
		if u, err := url.Parse(cfg.ManagementURL); err != nil || u.Host == "" {
			errs = append(errs, &ValidationError{Field: "broker.management_url", Message: "must be an absolute url"})
		}
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, &ValidationError{Field: "broker.poll_interval", Message: "must be positive"})
	}
	if cfg.FullUpdateEvery < 1 {
		errs = append(errs, &ValidationError{Field: "broker.full_update_every", Message: "must be at least 1"})
	}
	if cfg.RequestTimeout <= 0 {
		errs = append(errs, &ValidationError{Field: "broker.request_timeout", Message: "must be positive"})
	}

	return errs
}

func validateFabric(cfg FabricConfig) []error {
	if cfg.GlobalDLQName == "" {
		return []error{&ValidationError{Field: "fabric.global_dlq_name", Message: "is required"}}
	}
	return nil
}

func validateDeadLetter(cfg DeadLetterConfig) []error {
	var errs []error
	if cfg.BrowseLimit < 1 {
		errs = append(errs, &ValidationError{Field: "deadletter.browse_limit", Message: "must be at least 1"})
	}
	if cfg.ScanLimit < 1 {
		errs = append(errs, &ValidationError{Field: "deadletter.scan_limit", Message: "must be at least 1"})
	}
	if cfg.FallbackQueue == "" {
		errs = append(errs, &ValidationError{Field: "deadletter.fallback_queue", Message: "is required"})
	}
	return errs
}

func validateBroadcast(cfg BroadcastConfig) []error {
	switch cfg.Mode {
	case BroadcastInProcess:
		return nil
	case BroadcastRedis:
		var errs []error
		if cfg.Redis.Addr == "" {
			errs = append(errs, &ValidationError{Field: "broadcast.redis.addr", Message: "is required in redis mode"})
		}
		if cfg.UpdatesChannel == "" || cfg.CommandsChannel == "" {
			errs = append(errs, &ValidationError{Field: "broadcast.updates_channel", Message: "channels are required in redis mode"})
		}
		return errs
	default:
		return []error{&ValidationError{
			Field:   "broadcast.mode",
			Message: fmt.Sprintf("must be %q or %q, got %q", BroadcastInProcess, BroadcastRedis, cfg.Mode),
		}}
	}
}

func validateAlerts(cfg AlertsConfig) []error {
	if !cfg.Enabled || cfg.WebhookURL == "" {
		return nil
	}

	var errs []error
	if u, err := url.Parse(cfg.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, &ValidationError{Field: "alerts.webhook_url", Message: "must be an http:// or https:// url"})
	}
	switch cfg.WebhookFormat {
	case "generic", "slack", "discord":
	default:
		errs = append(errs, &ValidationError{
			Field:   "alerts.webhook_format",
			Message: fmt.Sprintf("must be generic, slack or discord, got %q", cfg.WebhookFormat),
		})
	}
	if cfg.Retries < 0 {
		errs = append(errs, &ValidationError{Field: "alerts.retries", Message: "must not be negative"})
	}
	return errs
}

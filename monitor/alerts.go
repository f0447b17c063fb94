package monitor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/glimte/mmate-brokermonitor/fabric"
)

// AlertLevel represents the severity of an alert
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert reports dead letters piling up on one stage.
type Alert struct {
	ID          string     `json:"id"`
	Level       AlertLevel `json:"level"`
	EndpointID  string     `json:"endpointId"`
	StageID     string     `json:"stageId"`
	Message     string     `json:"message"`
	DeadLetters int64      `json:"deadLetters"`
	Timestamp   time.Time  `json:"timestamp"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	Occurrences int        `json:"occurrences"`
	FirstSeen   time.Time  `json:"firstSeen"`
}

// AlertHandler delivers alerts somewhere
type AlertHandler interface {
	Name() string
	HandleAlert(ctx context.Context, alert *Alert) error
}

// AlerterOption configures a DeadLetterAlerter
type AlerterOption func(*DeadLetterAlerter)

// WithAlertLogger sets the logger
func WithAlertLogger(logger *zap.Logger) AlerterOption {
	return func(a *DeadLetterAlerter) {
		a.logger = logger
	}
}

// WithCriticalThreshold sets the dead-letter count from which alerts are critical
func WithCriticalThreshold(n int64) AlerterOption {
	return func(a *DeadLetterAlerter) {
		a.critical = n
	}
}

// WithAlertClock replaces time.Now
func WithAlertClock(clock func() time.Time) AlerterOption {
	return func(a *DeadLetterAlerter) {
		a.clock = clock
	}
}

// DeadLetterAlerter is a Listener raising an alert when a stage's dead-letter
// count grows, and resolving it when the count drops back to zero.
type DeadLetterAlerter struct {
	manager  *SnapshotManager
	handlers []AlertHandler
	logger   *zap.Logger
	critical int64
	clock    func() time.Time

	mu     sync.Mutex
	active map[string]*Alert

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeadLetterAlerter creates an alerter reading manager's snapshots.
func NewDeadLetterAlerter(manager *SnapshotManager, handlers []AlertHandler, options ...AlerterOption) *DeadLetterAlerter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &DeadLetterAlerter{
		manager:  manager,
		handlers: handlers,
		logger:   zap.NewNop(),
		critical: 100,
		clock:    time.Now,
		active:   make(map[string]*Alert),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

func (a *DeadLetterAlerter) Name() string {
	return "dead-letter-alerter"
}

// HandleUpdate compares the current snapshot to the alerts raised so far.
// Handlers run in the background.
func (a *DeadLetterAlerter) HandleUpdate(event UpdateEvent) error {
	s, ok := a.manager.Snapshot()
	if !ok || s.Fabric == nil {
		return nil
	}

	alerts := a.evaluate(s.Fabric)
	if len(alerts) == 0 {
		return nil
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.notify(alerts)
	}()
	return nil
}

func (a *DeadLetterAlerter) evaluate(tree *fabric.Fabric) []*Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	seen := make(map[string]bool)
	var out []*Alert

	for _, name := range tree.GroupNames() {
		for _, e := range tree.Groups[name].Endpoints {
			for _, st := range e.Stages {
				count := st.Stats(deadLetterRoles...).TotalQueued
				if count == 0 {
					continue
				}
				seen[st.ID] = true

				prev, ok := a.active[st.ID]
				if ok && count <= prev.DeadLetters {
					continue
				}

				alert := &Alert{
					ID:          "dlq-" + st.ID,
					Level:       a.level(count),
					EndpointID:  e.ID,
					StageID:     st.ID,
					DeadLetters: count,
					Timestamp:   now,
					Occurrences: 1,
					FirstSeen:   now,
				}
				if ok {
					alert.Occurrences = prev.Occurrences + 1
					alert.FirstSeen = prev.FirstSeen
					alert.Message = fmt.Sprintf("%s dead letters grew from %d to %d", st.ID, prev.DeadLetters, count)
				} else {
					alert.Message = fmt.Sprintf("%s has %d dead letters", st.ID, count)
				}
				a.active[st.ID] = alert
				out = append(out, alert)
			}
		}
	}

	for id, prev := range a.active {
		if seen[id] {
			continue
		}
		delete(a.active, id)
		resolved := *prev
		resolved.Resolved = true
		resolved.ResolvedAt = &now
		resolved.Timestamp = now
		resolved.Level = AlertLevelInfo
		resolved.DeadLetters = 0
		resolved.Message = fmt.Sprintf("%s has no dead letters left", id)
		out = append(out, &resolved)
	}

	return out
}

func (a *DeadLetterAlerter) level(count int64) AlertLevel {
	if a.critical > 0 && count >= a.critical {
		return AlertLevelCritical
	}
	return AlertLevelWarning
}

func (a *DeadLetterAlerter) notify(alerts []*Alert) {
	for _, alert := range alerts {
		for _, h := range a.handlers {
			if err := h.HandleAlert(a.ctx, alert); err != nil {
				a.logger.Error("alert handler failed",
					zap.String("handler", h.Name()),
					zap.String("alert", alert.ID),
					zap.Error(err))
			}
		}
	}
}

// Active returns the alerts currently raised, keyed by stage id
func (a *DeadLetterAlerter) Active() map[string]Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Alert, len(a.active))
	for id, alert := range a.active {
		out[id] = *alert
	}
	return out
}

// Close cancels pending deliveries and waits for them to return
func (a *DeadLetterAlerter) Close() error {
	a.cancel()
	a.wg.Wait()
	return nil
}

// Webhook payload formats
const (
	WebhookFormatGeneric = "generic"
	WebhookFormatSlack   = "slack"
	WebhookFormatDiscord = "discord"
)

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// DiscordEmbed represents a Discord embed
type DiscordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []DiscordEmbedField `json:"fields,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

// DiscordEmbedField represents a field in a Discord embed
type DiscordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// WebhookAlertHandler posts alerts as JSON to a webhook URL
type WebhookAlertHandler struct {
	name    string
	url     string
	format  string
	secret  string
	retries uint64
	delay   time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// NewWebhookAlertHandler creates a webhook handler posting in format
func NewWebhookAlertHandler(name, url, format string, logger *zap.Logger) *WebhookAlertHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookAlertHandler{
		name:    name,
		url:     url,
		format:  format,
		retries: 3,
		delay:   time.Second,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// WithSecret sets the secret used to sign payloads
func (w *WebhookAlertHandler) WithSecret(secret string) *WebhookAlertHandler {
	w.secret = secret
	return w
}

// WithRetries sets the number of retries after the first attempt
func (w *WebhookAlertHandler) WithRetries(retries int, delay time.Duration) *WebhookAlertHandler {
	if retries < 0 {
		retries = 0
	}
	w.retries = uint64(retries)
	w.delay = delay
	return w
}

func (w *WebhookAlertHandler) Name() string {
	return w.name
}

// HandleAlert sends alert to the webhook endpoint
func (w *WebhookAlertHandler) HandleAlert(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(w.formatPayload(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.delay
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, w.retries), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if err := w.send(ctx, body); err != nil {
			w.logger.Warn("webhook send failed",
				zap.String("handler", w.name),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return nil
	}, b)
	if err != nil {
		return fmt.Errorf("webhook failed after %d attempts: %w", attempt, err)
	}

	w.logger.Debug("webhook sent", zap.String("handler", w.name), zap.String("alert", alert.ID))
	return nil
}

func (w *WebhookAlertHandler) formatPayload(alert *Alert) any {
	switch w.format {
	case WebhookFormatSlack:
		return slackPayload(alert)
	case WebhookFormatDiscord:
		return discordPayload(alert)
	default:
		return alert
	}
}

func status(alert *Alert) string {
	if alert.Resolved {
		return "RESOLVED"
	}
	return "TRIGGERED"
}

func slackPayload(alert *Alert) map[string]any {
	color, emoji := "warning", ":warning:"
	switch {
	case alert.Resolved:
		color, emoji = "good", ":white_check_mark:"
	case alert.Level == AlertLevelCritical:
		color, emoji = "danger", ":rotating_light:"
	}

	attachment := SlackAttachment{
		Color:     color,
		Title:     alert.EndpointID,
		Text:      alert.Message,
		Footer:    "Broker Monitor",
		Timestamp: alert.Timestamp.Unix(),
		Fields: []SlackField{
			{Title: "Stage", Value: alert.StageID, Short: true},
			{Title: "Dead letters", Value: fmt.Sprintf("%d", alert.DeadLetters), Short: true},
			{Title: "Occurrences", Value: fmt.Sprintf("%d", alert.Occurrences), Short: true},
		},
	}
	if alert.Resolved && alert.ResolvedAt != nil {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: "Duration",
			Value: alert.ResolvedAt.Sub(alert.FirstSeen).Round(time.Second).String(),
			Short: true,
		})
	}

	return map[string]any{
		"username":    "Broker Monitor",
		"icon_emoji":  ":robot_face:",
		"text":        fmt.Sprintf("%s Dead letters %s", emoji, status(alert)),
		"attachments": []SlackAttachment{attachment},
	}
}

func discordPayload(alert *Alert) map[string]any {
	color := 0xFFA500
	switch {
	case alert.Resolved:
		color = 0x00FF00
	case alert.Level == AlertLevelCritical:
		color = 0xFF0000
	}

	return map[string]any{
		"username": "Broker Monitor",
		"embeds": []DiscordEmbed{{
			Title:       fmt.Sprintf("Dead letters %s: %s", status(alert), alert.EndpointID),
			Description: alert.Message,
			Color:       color,
			Timestamp:   alert.Timestamp.Format(time.RFC3339),
			Fields: []DiscordEmbedField{
				{Name: "Stage", Value: alert.StageID, Inline: true},
				{Name: "Dead letters", Value: fmt.Sprintf("%d", alert.DeadLetters), Inline: true},
			},
		}},
	}
}

func (w *WebhookAlertHandler) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mmate-BrokerMonitor/1.0")
	if w.secret != "" {
		req.Header.Set("X-Hub-Signature-256", "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// LogAlertHandler logs alerts
type LogAlertHandler struct {
	logger *zap.Logger
}

func NewLogAlertHandler(logger *zap.Logger) *LogAlertHandler {
	return &LogAlertHandler{logger: logger}
}

func (l *LogAlertHandler) Name() string {
	return "log"
}

func (l *LogAlertHandler) HandleAlert(ctx context.Context, alert *Alert) error {
	fields := []zap.Field{
		zap.String("status", status(alert)),
		zap.String("id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("endpoint", alert.EndpointID),
		zap.Int64("deadLetters", alert.DeadLetters),
		zap.String("message", alert.Message),
	}
	if alert.Level == AlertLevelCritical && !alert.Resolved {
		l.logger.Error("dead letter alert", fields...)
	} else {
		l.logger.Warn("dead letter alert", fields...)
	}
	return nil
}

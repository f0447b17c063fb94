// Package command executes operator commands against dead-letter queues and
// the snapshot, and serves them over HTTP.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/glimte/mmate-brokermonitor/deadletter"
	"github.com/glimte/mmate-brokermonitor/monitor"
)

var ErrInvalidCommand = errors.New("command: invalid command")

// Action is the command keyword
type Action string

const (
	ActionReissueSelected Action = "reissue_selected"
	ActionMuteSelected    Action = "mute_selected"
	ActionDeleteSelected  Action = "delete_selected"
	ActionReissueAll      Action = "reissue_all"
	ActionMuteAll         Action = "mute_all"
	ActionDeleteAll       Action = "delete_all"
	ActionUpdate          Action = "update"
)

// Command is an operator request. Selected actions carry ids, "all" actions a
// limit, and update only the full flag.
type Command struct {
	Action  Action   `json:"action"`
	QueueID string   `json:"queueId,omitempty"`
	IDs     []string `json:"msgSysMsgIds,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Full    bool     `json:"full,omitempty"`
	Comment string   `json:"comment,omitempty"`
}

// Result reports the outcome of a command
type Result struct {
	ResultOK                 bool                           `json:"resultOk"`
	RequestedMsgSysMsgIDs    []string                       `json:"requestedMsgSysMsgIds,omitempty"`
	NumberOfAffectedMessages int                            `json:"numberOfAffectedMessages"`
	AffectedMessages         map[string]deadletter.Metadata `json:"affectedMessages,omitempty"`
	TimeTakenMillis          int64                          `json:"timeTakenMillis"`
}

// Actions is the dead-letter engine as seen by the dispatcher
type Actions interface {
	Delete(ctx context.Context, queue string, ids []string) ([]deadletter.Metadata, error)
	DeleteAll(ctx context.Context, queue string, limit int) ([]deadletter.Metadata, error)
	Reissue(ctx context.Context, queue string, ids []string, user string) ([]deadletter.Metadata, error)
	ReissueAll(ctx context.Context, queue string, limit int, user string) ([]deadletter.Metadata, error)
	Mute(ctx context.Context, queue string, ids []string, user, comment string) ([]deadletter.Metadata, error)
	MuteAll(ctx context.Context, queue string, limit int, user, comment string) ([]deadletter.Metadata, error)
}

// Updater is the snapshot manager as seen by the dispatcher
type Updater interface {
	ForceUpdate(correlationID string, full bool) error
	ForceUpdateAndWait(ctx context.Context, correlationID string, full bool, timeout time.Duration) (bool, error)
}

// Dispatcher validates commands and runs them
type Dispatcher struct {
	actions     Actions
	updater     Updater
	timeout     time.Duration
	defaultUser string
	logger      *zap.Logger
	now         func() time.Time
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithForceUpdateTimeout sets how long the update command waits
func WithForceUpdateTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDefaultUser sets the user recorded when a command carries none
func WithDefaultUser(user string) DispatcherOption {
	return func(d *Dispatcher) {
		d.defaultUser = user
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a dispatcher
func NewDispatcher(actions Actions, updater Updater, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		actions:     actions,
		updater:     updater,
		timeout:     monitor.DefaultForceUpdateTimeout,
		defaultUser: "unknown",
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Validate checks the command's arguments against its action
func (c Command) Validate() error {
	switch c.Action {
	case ActionUpdate:
		return nil
	case ActionReissueSelected, ActionMuteSelected, ActionDeleteSelected:
		if c.QueueID == "" {
			return fmt.Errorf("%w: %s requires queueId", ErrInvalidCommand, c.Action)
		}
		if len(c.IDs) == 0 {
			return fmt.Errorf("%w: %s requires msgSysMsgIds", ErrInvalidCommand, c.Action)
		}
	case ActionReissueAll, ActionMuteAll, ActionDeleteAll:
		if c.QueueID == "" {
			return fmt.Errorf("%w: %s requires queueId", ErrInvalidCommand, c.Action)
		}
		if c.Limit <= 0 {
			return fmt.Errorf("%w: %s requires a positive limit", ErrInvalidCommand, c.Action)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, c.Action)
	}
	return nil
}

// Execute runs cmd on behalf of user. Dead-letter actions are followed by a
// non-blocking partial refresh; update waits for its refresh. When an action
// fails part way, the returned Result lists the messages already handled
// alongside the error.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command, user string) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if user == "" {
		user = d.defaultUser
	}

	start := d.now()

	if cmd.Action == ActionUpdate {
		confirmed, err := d.updater.ForceUpdateAndWait(ctx, monitor.NewCorrelationID("Update"), cmd.Full, d.timeout)
		if err != nil {
			return nil, err
		}
		return &Result{ResultOK: confirmed, TimeTakenMillis: d.now().Sub(start).Milliseconds()}, nil
	}

	affected, err := d.run(ctx, cmd, user)

	result := &Result{
		ResultOK:                 err == nil,
		RequestedMsgSysMsgIDs:    cmd.IDs,
		NumberOfAffectedMessages: len(affected),
		AffectedMessages:         make(map[string]deadletter.Metadata, len(affected)),
		TimeTakenMillis:          d.now().Sub(start).Milliseconds(),
	}
	for _, md := range affected {
		result.AffectedMessages[md.MessageSystemID] = md
	}

	if err != nil {
		d.logger.Error("command failed",
			zap.String("action", string(cmd.Action)),
			zap.String("queue", cmd.QueueID),
			zap.String("user", user),
			zap.Int("count", len(affected)),
			zap.Error(err))
	} else {
		d.logger.Info("command executed",
			zap.String("action", string(cmd.Action)),
			zap.String("queue", cmd.QueueID),
			zap.String("user", user),
			zap.Int("count", len(affected)))
	}

	// messages already moved are not rolled back, so refresh after partial work too
	if err == nil || len(affected) > 0 {
		cid := monitor.NewCorrelationID("After_" + string(cmd.Action))
		if err := d.updater.ForceUpdate(cid, false); err != nil {
			d.logger.Debug("no refresh after command", zap.String("correlationId", cid), zap.Error(err))
		}
	}

	return result, err
}

func (d *Dispatcher) run(ctx context.Context, cmd Command, user string) ([]deadletter.Metadata, error) {
	switch cmd.Action {
	case ActionDeleteSelected:
		return d.actions.Delete(ctx, cmd.QueueID, cmd.IDs)
	case ActionDeleteAll:
		return d.actions.DeleteAll(ctx, cmd.QueueID, cmd.Limit)
	case ActionReissueSelected:
		return d.actions.Reissue(ctx, cmd.QueueID, cmd.IDs, user)
	case ActionReissueAll:
		return d.actions.ReissueAll(ctx, cmd.QueueID, cmd.Limit, user)
	case ActionMuteSelected:
		return d.actions.Mute(ctx, cmd.QueueID, cmd.IDs, user, cmd.Comment)
	case ActionMuteAll:
		return d.actions.MuteAll(ctx, cmd.QueueID, cmd.Limit, user, cmd.Comment)
	}
	return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, cmd.Action)
}

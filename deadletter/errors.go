package deadletter

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidArgument is returned before the broker is touched
	ErrInvalidArgument = errors.New("deadletter: invalid argument")
	// ErrUnroutable is returned by a Channel when a mandatory publish had no matching queue
	ErrUnroutable = errors.New("deadletter: message unroutable")
)

// BrokerIOError wraps any broker communication failure of an action.
// Work already applied before the failure is not rolled back.
type BrokerIOError struct {
	Op        string
	Queue     string
	Processed int
	Err       error
	Timestamp time.Time
}

func (e *BrokerIOError) Error() string {
	return fmt.Sprintf("deadletter %s on queue %s failed after %d messages: %v", e.Op, e.Queue, e.Processed, e.Err)
}

func (e *BrokerIOError) Unwrap() error {
	return e.Err
}

func brokerIOError(op, queue string, processed int, err error) error {
	return &BrokerIOError{Op: op, Queue: queue, Processed: processed, Err: err, Timestamp: time.Now()}
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

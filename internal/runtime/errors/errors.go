// Package errors holds the error taxonomy shared by adapters, the exactly-once
// processor, the circuit breaker and the Service.
package errors

import (
	"context"
	sterrors "errors"
	"fmt"
)

var (
	ErrInvalidArgument      = sterrors.New("tenantflow: invalid argument")
	ErrBackendUnavailable   = sterrors.New("tenantflow: backend unavailable")
	ErrTimeout              = sterrors.New("tenantflow: operation timed out")
	ErrInvalidTopic         = sterrors.New("tenantflow: invalid topic")
	ErrInvalidConsumerGroup = sterrors.New("tenantflow: invalid consumer group")
	ErrCircuitOpen          = sterrors.New("tenantflow: circuit open")
	ErrDuplicateProcessing  = sterrors.New("tenantflow: duplicate processing")
	ErrReplayNotFound       = sterrors.New("tenantflow: replay not found")
	ErrSubscriptionNotFound = sterrors.New("tenantflow: subscription not found")
	ErrLeaseExpired         = sterrors.New("tenantflow: processing lease expired")
	ErrClosed               = sterrors.New("tenantflow: adapter closed")
)

// OpError ties a failure to the operation that produced it. Kind is one of the
// sentinels above and is matched by errors.Is.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

// E builds an OpError. A nil cause is allowed.
func E(op string, kind error, cause error) *OpError {
	return &OpError{Op: op, Kind: kind, Err: cause}
}

// Ef builds an OpError whose cause is a formatted message.
func Ef(op string, kind error, format string, args ...any) *OpError {
	return &OpError{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *OpError) Error() string {
	switch {
	case e.Err != nil && e.Kind != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Kind != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op
	}
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the Kind of this error.
func (e *OpError) Is(target error) bool {
	return e.Kind != nil && e.Kind == target
}

// PermanentError marks a handler failure that must not be retried. The
// delivery pipeline forwards such envelopes straight to the dead letter queue.
type PermanentError struct {
	Err error
}

// Permanent wraps err so IsRetryable reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("tenantflow: permanent failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err, or anything it wraps, is terminal.
func IsPermanent(err error) bool {
	var perm *PermanentError
	if sterrors.As(err, &perm) {
		return true
	}
	return sterrors.Is(err, ErrLeaseExpired) ||
		sterrors.Is(err, ErrInvalidTopic) ||
		sterrors.Is(err, ErrInvalidConsumerGroup) ||
		sterrors.Is(err, ErrInvalidArgument)
}

// IsRetryable reports whether a caller may retry the failed operation.
// Caller errors and permanent handler failures are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

// FromContext converts context failures into the taxonomy. Deadline overruns
// become ErrTimeout; everything else is returned unchanged.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	if sterrors.Is(err, context.DeadlineExceeded) && !sterrors.Is(err, ErrTimeout) {
		return E(op, ErrTimeout, err)
	}
	return err
}

// Kind returns the sentinel describing err, or nil when err is outside the taxonomy.
func Kind(err error) error {
	for _, kind := range []error{
		ErrInvalidArgument,
		ErrBackendUnavailable,
		ErrTimeout,
		ErrInvalidTopic,
		ErrInvalidConsumerGroup,
		ErrCircuitOpen,
		ErrDuplicateProcessing,
		ErrReplayNotFound,
		ErrSubscriptionNotFound,
		ErrLeaseExpired,
		ErrClosed,
	} {
		if sterrors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindLabel returns a short label for metrics, "unknown" outside the taxonomy.
func KindLabel(err error) string {
	switch Kind(err) {
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrBackendUnavailable:
		return "backend_unavailable"
	case ErrTimeout:
		return "timeout"
	case ErrInvalidTopic:
		return "invalid_topic"
	case ErrInvalidConsumerGroup:
		return "invalid_consumer_group"
	case ErrCircuitOpen:
		return "circuit_open"
	case ErrDuplicateProcessing:
		return "duplicate_processing"
	case ErrReplayNotFound:
		return "replay_not_found"
	case ErrSubscriptionNotFound:
		return "subscription_not_found"
	case ErrLeaseExpired:
		return "lease_expired"
	case ErrClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Is, As and New re-export the standard helpers so callers importing this
// package under its own name keep a single errors import.
var (
	Is  = sterrors.Is
	As  = sterrors.As
	New = sterrors.New
)

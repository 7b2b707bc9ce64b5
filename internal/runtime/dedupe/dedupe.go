// Package dedupe holds the idempotency layer in front of handler
// invocation: a Store of per-(event, consumer group) records claimed with a
// single atomic check-and-set, and the Processor that drives it.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// State is the lifecycle state of a dedupe record.
type State string

const (
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

const (
	DefaultLeaseTTL  = 30 * time.Second
	DefaultRetention = 24 * time.Hour
)

// Record is the stored state for one idempotency key.
type Record struct {
	Key        string    `json:"key"`
	State      State     `json:"state"`
	Error      string    `json:"error,omitempty"`
	LeaseUntil time.Time `json:"lease_until"`
	UpdatedAt  time.Time `json:"updated_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Claim is the result of StartProcessing. Acquired means the caller owns the
// key and must invoke the handler. When not acquired, State is the state
// that blocked the claim. Reclaimed is set when the caller took over a
// processing record whose lease had lapsed.
type Claim struct {
	Acquired  bool
	Reclaimed bool
	State     State
}

// Store persists dedupe records. StartProcessing is atomic: two concurrent
// callers for the same key never both acquire it.
type Store interface {
	// StartProcessing claims key for leaseTTL. Absent, expired and failed
	// records are acquired; a processing record is acquired only once its
	// lease has lapsed; completed records are never acquired.
	StartProcessing(ctx context.Context, key string, leaseTTL time.Duration) (Claim, error)
	MarkCompleted(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key string, cause error) error
	Get(ctx context.Context, key string) (Record, bool, error)
	// Size counts the records that have not expired.
	Size(ctx context.Context) (int64, error)
	Close() error
}

// Sweeper is implemented by stores that must delete expired records
// themselves. The redis store relies on key expiry instead.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Options are shared by the store implementations.
type Options struct {
	// Retention keeps completed and failed records, and bounds abandoned
	// processing records.
	Retention time.Duration
	// Now is the clock; tests override it.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Key derives the idempotency key of an event for a consumer group.
func Key(eventID, consumerGroup string) string {
	sum := sha256.Sum256([]byte(eventID + "\x00" + consumerGroup))
	return hex.EncodeToString(sum[:])
}

func errorText(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

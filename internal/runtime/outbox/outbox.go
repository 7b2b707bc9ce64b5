// Package outbox stages envelopes next to business state and relays them to
// the adapter asynchronously, so a publish is never lost between a database
// commit and the broker call.
package outbox

import (
	"context"
	"time"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
)

// Status is the lifecycle state of an outbox entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// Entry is one staged publish.
type Entry struct {
	ID           string
	Topic        string
	PartitionKey string
	Envelope     envelope.Envelope
	Status       Status
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store persists outbox entries.
type Store interface {
	// Add stages an entry as pending. The entry ID defaults to the envelope ID.
	Add(ctx context.Context, e Entry) error
	// FetchPending claims up to limit pending entries, oldest first, moving
	// them to processing. Entries left in processing for longer than
	// claimTimeout are claimed again.
	FetchPending(ctx context.Context, limit int, claimTimeout time.Duration) ([]Entry, error)
	MarkPublished(ctx context.Context, id string) error
	// MarkFailed records cause and returns the entry to pending when retry
	// is set, or parks it as failed otherwise.
	MarkFailed(ctx context.Context, id string, cause error, retry bool) error
}

func normalize(e Entry, now time.Time) Entry {
	if e.ID == "" {
		e.ID = e.Envelope.ID()
	}
	e.Status = StatusPending
	e.Attempts = 0
	e.LastError = ""
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return e
}

// Package ids generates the identifiers used across tenantflow: time-sortable
// ULIDs for envelopes and random UUIDs for replay jobs and subscriptions.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID returns a monotonic ULID so ids published from one process sort
// in publish order.
func NewEventID() string {
	return eventIDAt(time.Now())
}

func eventIDAt(ts time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(ts), entropy).String()
}

// EventTime extracts the millisecond timestamp embedded in an event id.
func EventTime(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()).UTC(), true
}

// NewReplayID identifies a replay job.
func NewReplayID() string {
	return "replay-" + uuid.NewString()
}

// NewSubscriptionID identifies one subscriber inside a consumer group.
func NewSubscriptionID() string {
	return "sub-" + uuid.NewString()
}

// Package envelope defines the canonical message shape carried by every
// adapter and the tenant-scoped naming scheme for topics and consumer groups.
package envelope

import (
	"fmt"
	"maps"
	"strings"
	"time"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	idspkg "github.com/drblury/tenantflow/internal/runtime/ids"
)

// Envelope is immutable once constructed. Its fields are only reachable
// through accessors, and Data hands out copies.
type Envelope struct {
	id        string
	eventType string
	data      map[string]any
	tenantID  string
	createdAt time.Time
}

// New builds an envelope with a fresh id and a UTC creation timestamp.
func New(eventType string, data map[string]any, tenantID string) (Envelope, error) {
	return NewWithID(idspkg.NewEventID(), eventType, data, tenantID, time.Now())
}

// NewWithID builds an envelope with caller-chosen identity. Replays and
// decoders use it to reconstruct envelopes that already exist.
func NewWithID(id, eventType string, data map[string]any, tenantID string, createdAt time.Time) (Envelope, error) {
	const op = "envelope.new"

	if strings.TrimSpace(id) == "" {
		return Envelope{}, errspkg.Ef(op, errspkg.ErrInvalidArgument, "id is required")
	}
	if strings.TrimSpace(eventType) == "" {
		return Envelope{}, errspkg.Ef(op, errspkg.ErrInvalidArgument, "event type is required")
	}
	if strings.TrimSpace(tenantID) == "" {
		return Envelope{}, errspkg.Ef(op, errspkg.ErrInvalidArgument, "tenant id is required")
	}
	if !validSegment(tenantID) {
		return Envelope{}, errspkg.Ef(op, errspkg.ErrInvalidArgument, "tenant id %q contains unsupported characters", tenantID)
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return Envelope{
		id:        id,
		eventType: eventType,
		data:      copyMap(data),
		tenantID:  tenantID,
		createdAt: createdAt.UTC(),
	}, nil
}

func (e Envelope) ID() string           { return e.id }
func (e Envelope) Type() string         { return e.eventType }
func (e Envelope) TenantID() string     { return e.tenantID }
func (e Envelope) CreatedAt() time.Time { return e.createdAt }

// Data returns a deep copy of the payload.
func (e Envelope) Data() map[string]any {
	return copyMap(e.data)
}

// Value returns a copy of one payload entry.
func (e Envelope) Value(key string) (any, bool) {
	v, ok := e.data[key]
	if !ok {
		return nil, false
	}
	return copyValue(v), true
}

// IsZero reports whether the envelope was never constructed.
func (e Envelope) IsZero() bool {
	return e.id == ""
}

func (e Envelope) String() string {
	return fmt.Sprintf("Envelope{id=%s type=%s tenant=%s}", e.id, e.eventType, e.tenantID)
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return copyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = copyValue(item)
		}
		return out
	case map[string]string:
		return maps.Clone(typed)
	case []string:
		return append([]string(nil), typed...)
	case []byte:
		return append([]byte(nil), typed...)
	default:
		return v
	}
}

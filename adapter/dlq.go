package adapter

import (
	"time"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
)

// DLQEntry is a dead-lettered envelope with its failure context.
type DLQEntry struct {
	Envelope      envelope.Envelope `json:"envelope"`
	Topic         string            `json:"topic,omitempty"`
	ConsumerGroup string            `json:"consumer_group"`
	Error         string            `json:"error"`
	FailedAt      time.Time         `json:"failed_at"`
}

// NewDLQEntry captures env and cause for group. topic may be empty when the
// caller does not know where env was consumed from.
func NewDLQEntry(topic string, env envelope.Envelope, cause error, group string) DLQEntry {
	entry := DLQEntry{
		Envelope:      env,
		Topic:         topic,
		ConsumerGroup: group,
		FailedAt:      time.Now().UTC(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return entry
}

// EncodeDLQEntry serialises an entry for drivers that store bytes.
func EncodeDLQEntry(entry DLQEntry) ([]byte, error) {
	return envelope.MarshalValue(entry)
}

// DecodeDLQEntry reverses EncodeDLQEntry.
func DecodeDLQEntry(raw []byte) (DLQEntry, error) {
	var entry DLQEntry
	if err := envelope.UnmarshalValue(raw, &entry); err != nil {
		return DLQEntry{}, err
	}
	return entry, nil
}

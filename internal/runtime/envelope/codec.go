package envelope

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
)

var codec = sonic.ConfigStd

type wireEnvelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	TenantID  string         `json:"tenant_id"`
	CreatedAt string         `json:"created_at"`
}

// Marshal encodes the envelope in its wire shape.
func Marshal(e Envelope) ([]byte, error) {
	return codec.Marshal(toWire(e))
}

// Unmarshal decodes and validates a wire envelope.
func Unmarshal(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := codec.Unmarshal(raw, &w); err != nil {
		return Envelope{}, errspkg.E("envelope.unmarshal", errspkg.ErrInvalidArgument, err)
	}
	return fromWire(w)
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return Marshal(e)
}

func (e *Envelope) UnmarshalJSON(raw []byte) error {
	decoded, err := Unmarshal(raw)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// JSON helpers for the rest of the module so every wire payload goes through
// the same codec configuration.

func MarshalValue(v any) ([]byte, error) {
	return codec.Marshal(v)
}

func UnmarshalValue(raw []byte, v any) error {
	return codec.Unmarshal(raw, v)
}

func toWire(e Envelope) wireEnvelope {
	return wireEnvelope{
		ID:        e.id,
		Type:      e.eventType,
		Data:      e.data,
		TenantID:  e.tenantID,
		CreatedAt: e.createdAt.Format(time.RFC3339Nano),
	}
}

func fromWire(w wireEnvelope) (Envelope, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, w.CreatedAt)
	if err != nil {
		return Envelope{}, errspkg.E("envelope.unmarshal", errspkg.ErrInvalidArgument, fmt.Errorf("created_at: %w", err))
	}
	return NewWithID(w.ID, w.Type, w.Data, w.TenantID, createdAt)
}

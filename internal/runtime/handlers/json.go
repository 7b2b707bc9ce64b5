// Package handlers adapts typed Go handlers to the adapter delivery contract.
package handlers

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/drblury/tenantflow/adapter"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
)

// Publisher publishes the events a JSON handler emits.
type Publisher interface {
	Publish(ctx context.Context, topic string, env envelope.Envelope, opts ...adapter.PublishOption) (adapter.PublishResult, error)
}

// JSONContext exposes the decoded payload of a delivery.
type JSONContext[T any] struct {
	Payload  T
	Delivery adapter.Delivery
	Logger   loggingpkg.ServiceLogger
}

// TenantID returns the tenant of the incoming event.
func (c JSONContext[T]) TenantID() string {
	return c.Delivery.Envelope.TenantID()
}

// JSONOutput is an event emitted by a JSON handler. It is published to the
// Category topic of the incoming event's tenant.
type JSONOutput[O any] struct {
	Category     string
	EventType    string
	Payload      O
	PartitionKey string
}

// JSONHandler processes a decoded payload and returns the events to publish.
type JSONHandler[T any, O any] func(ctx context.Context, event JSONContext[T]) ([]JSONOutput[O], error)

// BuildJSONHandler converts a typed handler into an adapter.Handler. T must
// be a pointer to a struct the envelope data decodes into; a payload that
// does not decode fails permanently. Emitted events get ids derived from
// the incoming event, so a retried delivery republishes the same ids.
func BuildJSONHandler[T any, O any](handler JSONHandler[T, O], pub Publisher, logger loggingpkg.ServiceLogger) (adapter.Handler, error) {
	const op = "build_json_handler"
	if handler == nil {
		return nil, errspkg.Ef(op, errspkg.ErrInvalidArgument, "handler is required")
	}
	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}
	logger = loggingpkg.OrNop(logger)

	return func(ctx context.Context, d adapter.Delivery) error {
		typed := prototypeFactory()
		if err := DecodeData(d.Envelope, typed); err != nil {
			return errspkg.Permanent(fmt.Errorf("decode %s payload: %w", d.Envelope.Type(), err))
		}

		outputs, err := handler(ctx, JSONContext[T]{
			Payload:  typed,
			Delivery: d,
			Logger:   loggingpkg.ForDelivery(logger, d.Envelope, d.Topic, d.ConsumerGroup),
		})
		if err != nil {
			return err
		}
		return publishOutputs(ctx, pub, d.Envelope, outputs)
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	const op = "build_json_handler"
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.Ef(op, errspkg.ErrInvalidArgument, "payload type is required")
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.Ef(op, errspkg.ErrInvalidArgument, "payload type %s must be a pointer", typ)
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}

func publishOutputs[O any](ctx context.Context, pub Publisher, in envelope.Envelope, outputs []JSONOutput[O]) error {
	if len(outputs) == 0 {
		return nil
	}
	if pub == nil {
		return errspkg.Permanent(errspkg.Ef("json_handler", errspkg.ErrInvalidArgument, "handler emitted events but no publisher is configured"))
	}

	for i, out := range outputs {
		env, topic, err := outputEnvelope(in, i, out)
		if err != nil {
			return errspkg.Permanent(err)
		}
		var opts []adapter.PublishOption
		if out.PartitionKey != "" {
			opts = append(opts, adapter.WithPartitionKey(out.PartitionKey))
		}
		if _, err := pub.Publish(ctx, topic, env, opts...); err != nil {
			return err
		}
	}
	return nil
}

func outputEnvelope[O any](in envelope.Envelope, index int, out JSONOutput[O]) (envelope.Envelope, string, error) {
	if reflect.ValueOf(&out.Payload).Elem().IsZero() {
		return envelope.Envelope{}, "", errspkg.Ef("json_handler", errspkg.ErrInvalidArgument, "json handler emitted zero-value payload")
	}
	topic, err := envelope.Topic(in.TenantID(), out.Category)
	if err != nil {
		return envelope.Envelope{}, "", err
	}
	data, err := EncodeData(out.Payload)
	if err != nil {
		return envelope.Envelope{}, "", err
	}
	env, err := envelope.NewWithID(in.ID()+"-"+strconv.Itoa(index), out.EventType, data, in.TenantID(), time.Time{})
	if err != nil {
		return envelope.Envelope{}, "", err
	}
	return env, topic, nil
}

// DecodeData decodes the envelope's data into v.
func DecodeData(env envelope.Envelope, v any) error {
	raw, err := envelope.MarshalValue(env.Data())
	if err != nil {
		return err
	}
	return envelope.UnmarshalValue(raw, v)
}

// EncodeData turns v into envelope data. v must encode to a JSON object.
func EncodeData(v any) (map[string]any, error) {
	raw, err := envelope.MarshalValue(v)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := envelope.UnmarshalValue(raw, &data); err != nil {
		return nil, errspkg.Ef("encode_data", errspkg.ErrInvalidArgument, "%T does not encode to an object: %v", v, err)
	}
	return data, nil
}

package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "adapter"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	boom := errors.New("boom")
	logger.Error("failed", boom, LogFields{"topic": "tenant.acme.events.orders"})

	entries := base.entries()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	if entries[0].level != "debug" || entries[0].fields["component"] != "adapter" {
		t.Fatalf("unexpected debug entry %#v", entries[0])
	}
	if entries[1].fields != nil {
		t.Fatalf("expected nil fields for empty input, got %#v", entries[1].fields)
	}
	if entries[3].level != "error" || entries[3].err != boom {
		t.Fatalf("expected error entry with boom, got %#v", entries[3])
	}
}

func TestWithEmptyFieldsReturnsSameLogger(t *testing.T) {
	logger := NewWatermillServiceLogger(newRecordingWatermillLogger())
	if logger.With(nil) != logger {
		t.Fatal("With(nil) should not allocate a child logger")
	}
}

func TestWatermillServiceLoggerPanicsOnNilLogger(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when watermill logger is nil")
		}
	}()
	NewWatermillServiceLogger(nil)
}

func TestSlogLoggerPanicsOnNil(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when slog logger is nil")
		}
	}()
	NewSlogServiceLogger(nil)
}

func TestNewSlogServiceLoggerWritesStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	logger.Info("published", LogFields{"tenant_id": "acme"})

	if !strings.Contains(buf.String(), "tenant_id=acme") {
		t.Fatalf("expected tenant field in output, got %q", buf.String())
	}
}

func TestForEnvelopeAttachesIdentity(t *testing.T) {
	base := newRecordingWatermillLogger()
	env, err := envelope.New("order.placed", nil, "acme")
	if err != nil {
		t.Fatal(err)
	}

	ForDelivery(NewWatermillServiceLogger(base), env, "tenant.acme.events.orders", "tenant.acme.consumers.billing").
		Info("delivered", nil)

	entries := base.entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].fields
	if fields["event_id"] != env.ID() || fields["tenant_id"] != "acme" || fields["consumer_group"] != "tenant.acme.consumers.billing" {
		t.Fatalf("missing delivery fields: %#v", fields)
	}
}

func TestOrNop(t *testing.T) {
	OrNop(nil).Info("dropped", LogFields{"k": "v"})

	logger := NopLogger()
	if OrNop(logger) != logger {
		t.Fatal("OrNop should keep a non-nil logger")
	}
}

func TestWatermillAdapterDelegates(t *testing.T) {
	rec := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(rec)

	adapter.Info("info", watermill.LogFields{"k": "v"})
	adapter.With(watermill.LogFields{"scope": "child"}).Debug("dbg", nil)
	adapter.Error("err", errors.New("x"), nil)

	if len(rec.logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(rec.logs))
	}
	if rec.logs[1].fields["scope"] != "child" {
		t.Fatalf("expected scoped field, got %#v", rec.logs[1].fields)
	}
}

func TestWatermillAdapterUnwrapsWatermillLogger(t *testing.T) {
	base := newRecordingWatermillLogger()
	if NewWatermillAdapter(NewWatermillServiceLogger(base)) != watermill.LoggerAdapter(base) {
		t.Fatal("expected the underlying watermill logger to be reused")
	}
}

func TestWatermillAdapterPanicsOnNil(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when service logger is nil")
		}
	}()
	NewWatermillAdapter(nil)
}

type watermillEntry struct {
	level  string
	msg    string
	err    error
	fields watermill.LogFields
}

type recordingWatermillLogger struct {
	mu     *sync.Mutex
	logs   *[]watermillEntry
	fields watermill.LogFields
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	logs := make([]watermillEntry, 0)
	return &recordingWatermillLogger{mu: &sync.Mutex{}, logs: &logs}
}

func (r *recordingWatermillLogger) entries() []watermillEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]watermillEntry(nil), (*r.logs)...)
}

func (r *recordingWatermillLogger) record(level, msg string, err error, fields watermill.LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var merged watermill.LogFields
	if len(r.fields) > 0 || len(fields) > 0 {
		merged = r.fields.Add(fields)
	}
	*r.logs = append(*r.logs, watermillEntry{level: level, msg: msg, err: err, fields: merged})
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &recordingWatermillLogger{mu: r.mu, logs: r.logs, fields: r.fields.Add(fields)}
}

type loggedEntry struct {
	level  string
	msg    string
	err    error
	fields LogFields
}

type recordingServiceLogger struct {
	logs   []loggedEntry
	fields LogFields
	parent *recordingServiceLogger
}

func (r *recordingServiceLogger) root() *recordingServiceLogger {
	if r.parent != nil {
		return r.parent.root()
	}
	return r
}

func (r *recordingServiceLogger) add(level, msg string, err error, fields LogFields) {
	merged := LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	root := r.root()
	root.logs = append(root.logs, loggedEntry{level: level, msg: msg, err: err, fields: merged})
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	merged := LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingServiceLogger{fields: merged, parent: r}
}

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) {
	r.add("debug", msg, nil, fields)
}

func (r *recordingServiceLogger) Info(msg string, fields LogFields) {
	r.add("info", msg, nil, fields)
}

func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.add("error", msg, err, fields)
}

func (r *recordingServiceLogger) Trace(msg string, fields LogFields) {
	r.add("trace", msg, nil, fields)
}

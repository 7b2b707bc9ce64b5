package adapter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/ids"
	"github.com/drblury/tenantflow/internal/runtime/logging"
)

// ReplayStatus is the lifecycle state of a replay job.
type ReplayStatus string

const (
	ReplayStarted   ReplayStatus = "started"
	ReplayRunning   ReplayStatus = "running"
	ReplayCompleted ReplayStatus = "completed"
	ReplayFailed    ReplayStatus = "failed"
	ReplayCancelled ReplayStatus = "cancelled"
)

// Terminal reports whether the job will not change any more.
func (s ReplayStatus) Terminal() bool {
	return s == ReplayCompleted || s == ReplayFailed || s == ReplayCancelled
}

// ReplayRequest bounds a replay. Zero From/To leave that side open and a
// zero MaxEvents means no limit.
type ReplayRequest struct {
	Topic         string
	ConsumerGroup string
	From          time.Time
	To            time.Time
	MaxEvents     int
}

// ReplayJob is a snapshot of a replay's progress.
type ReplayJob struct {
	ReplayID       string       `json:"replay_id"`
	Topic          string       `json:"topic"`
	ConsumerGroup  string       `json:"consumer_group"`
	Status         ReplayStatus `json:"status"`
	EventsCount    int          `json:"events_count"`
	EventsReplayed int          `json:"events_replayed"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`
}

// Record is one stored event together with its routing data.
type Record struct {
	Envelope     envelope.Envelope
	Topic        string
	Partition    int
	Offset       string
	PartitionKey string
	PublishedAt  time.Time
}

// SelectHistory applies a request's time window and limit to records,
// returning them in publish order.
func SelectHistory(records []Record, req ReplayRequest) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if !req.From.IsZero() && rec.PublishedAt.Before(req.From) {
			continue
		}
		if !req.To.IsZero() && rec.PublishedAt.After(req.To) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PublishedAt.Before(out[j].PublishedAt)
	})
	if req.MaxEvents > 0 && len(out) > req.MaxEvents {
		out = out[:req.MaxEvents]
	}
	return out
}

// RepublishFunc sends one historical record back through the publish path.
type RepublishFunc func(ctx context.Context, rec Record) error

// ReplayTracker runs replay jobs in the background and keeps their status
// for polling. Drivers share it so every backend reports replays the same way.
type ReplayTracker struct {
	log logging.ServiceLogger

	mu      sync.Mutex
	jobs    map[string]*ReplayJob
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewReplayTracker creates an empty tracker.
func NewReplayTracker(log logging.ServiceLogger) *ReplayTracker {
	return &ReplayTracker{
		log:     logging.OrNop(log),
		jobs:    make(map[string]*ReplayJob),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start registers a job for records and republishes them asynchronously.
// The returned snapshot has status started and the selected event count.
func (t *ReplayTracker) Start(req ReplayRequest, records []Record, republish RepublishFunc) (ReplayJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ReplayJob{}, errspkg.E("replay_events", errspkg.ErrClosed, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &ReplayJob{
		ReplayID:      ids.NewReplayID(),
		Topic:         req.Topic,
		ConsumerGroup: req.ConsumerGroup,
		Status:        ReplayStarted,
		EventsCount:   len(records),
		StartedAt:     time.Now().UTC(),
	}
	t.jobs[job.ReplayID] = job
	t.cancels[job.ReplayID] = cancel
	snapshot := *job

	t.wg.Add(1)
	go t.run(ctx, job.ReplayID, records, republish)
	return snapshot, nil
}

func (t *ReplayTracker) run(ctx context.Context, id string, records []Record, republish RepublishFunc) {
	defer t.wg.Done()
	log := t.log.With(logging.LogFields{"replay_id": id})

	t.update(id, func(j *ReplayJob) { j.Status = ReplayRunning })

	for _, rec := range records {
		if ctx.Err() != nil {
			t.finish(id, ReplayCancelled, nil)
			log.Info("Replay cancelled", nil)
			return
		}
		if err := republish(ctx, rec); err != nil {
			if ctx.Err() != nil {
				t.finish(id, ReplayCancelled, nil)
				return
			}
			t.finish(id, ReplayFailed, err)
			log.Error("Replay failed", err, logging.LogFields{"event_id": rec.Envelope.ID()})
			return
		}
		t.update(id, func(j *ReplayJob) { j.EventsReplayed++ })
	}

	t.finish(id, ReplayCompleted, nil)
	log.Debug("Replay completed", logging.LogFields{"events": len(records)})
}

func (t *ReplayTracker) update(id string, fn func(*ReplayJob)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.jobs[id]; ok && !job.Status.Terminal() {
		fn(job)
	}
}

func (t *ReplayTracker) finish(id string, status ReplayStatus, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	job.Status = status
	job.FinishedAt = time.Now().UTC()
	if err != nil {
		job.Error = err.Error()
	}
	if cancel, ok := t.cancels[id]; ok {
		cancel()
		delete(t.cancels, id)
	}
}

// Get returns a snapshot of the job or ErrReplayNotFound.
func (t *ReplayTracker) Get(id string) (ReplayJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return ReplayJob{}, errspkg.Ef("get_replay_status", errspkg.ErrReplayNotFound, "replay %q", id)
	}
	return *job, nil
}

// Cancel stops a running job. Cancelling a finished job is a no-op.
func (t *ReplayTracker) Cancel(id string) error {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return errspkg.Ef("cancel_replay", errspkg.ErrReplayNotFound, "replay %q", id)
	}
	terminal := job.Status.Terminal()
	t.mu.Unlock()
	if terminal {
		return nil
	}
	t.finish(id, ReplayCancelled, nil)
	return nil
}

// Close cancels running jobs and waits for them to stop.
func (t *ReplayTracker) Close() {
	t.mu.Lock()
	t.closed = true
	for _, cancel := range t.cancels {
		cancel()
	}
	t.mu.Unlock()
	t.wg.Wait()
}

package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Add(ctx context.Context, e Entry) error {
	if e.Envelope.IsZero() || e.Topic == "" {
		return errspkg.Ef("outbox_add", errspkg.ErrInvalidArgument, "entry needs an envelope and a topic")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e = normalize(e, s.now())
	if _, exists := s.entries[e.ID]; exists {
		return errspkg.Ef("outbox_add", errspkg.ErrInvalidArgument, "entry %q already staged", e.ID)
	}
	s.entries[e.ID] = &e
	return nil
}

func (s *MemoryStore) FetchPending(ctx context.Context, limit int, claimTimeout time.Duration) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	candidates := make([]*Entry, 0)
	for _, e := range s.entries {
		switch {
		case e.Status == StatusPending:
			candidates = append(candidates, e)
		case e.Status == StatusProcessing && claimTimeout > 0 && now.Sub(e.UpdatedAt) >= claimTimeout:
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]Entry, 0, len(candidates))
	for _, e := range candidates {
		e.Status = StatusProcessing
		e.UpdatedAt = now
		out = append(out, *e)
	}
	return out, nil
}

func (s *MemoryStore) MarkPublished(ctx context.Context, id string) error {
	return s.update(id, func(e *Entry) {
		e.Status = StatusPublished
		e.LastError = ""
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, cause error, retry bool) error {
	return s.update(id, func(e *Entry) {
		e.Attempts++
		if cause != nil {
			e.LastError = cause.Error()
		}
		e.Status = StatusFailed
		if retry {
			e.Status = StatusPending
		}
	})
}

// Get returns a copy of the entry.
func (s *MemoryStore) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (s *MemoryStore) update(id string, fn func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return errspkg.Ef("outbox_update", errspkg.ErrInvalidArgument, "unknown entry %q", id)
	}
	fn(e)
	e.UpdatedAt = s.now()
	return nil
}

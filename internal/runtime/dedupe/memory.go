package dedupe

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in a map. It is the default for single-process
// deployments and tests.
type MemoryStore struct {
	opts Options

	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)
var _ Sweeper = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{opts: opts.withDefaults(), records: make(map[string]Record)}
}

func (s *MemoryStore) StartProcessing(ctx context.Context, key string, leaseTTL time.Duration) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, err
	}
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	claim := Claim{Acquired: true}
	if rec, ok := s.records[key]; ok && now.Before(rec.ExpiresAt) {
		claim.State = rec.State
		switch rec.State {
		case StateCompleted:
			return Claim{State: rec.State}, nil
		case StateProcessing:
			if now.Before(rec.LeaseUntil) {
				return Claim{State: rec.State}, nil
			}
			claim.Reclaimed = true
		}
	}

	s.records[key] = Record{
		Key:        key,
		State:      StateProcessing,
		LeaseUntil: now.Add(leaseTTL),
		UpdatedAt:  now,
		ExpiresAt:  now.Add(leaseTTL + s.opts.Retention),
	}
	return claim, nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, key string) error {
	return s.finish(key, StateCompleted, "")
}

func (s *MemoryStore) MarkFailed(ctx context.Context, key string, cause error) error {
	return s.finish(key, StateFailed, errorText(cause))
}

func (s *MemoryStore) finish(key string, state State, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()
	s.records[key] = Record{
		Key:       key,
		State:     state,
		Error:     errText,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.opts.Retention),
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || !s.opts.Now().Before(rec.ExpiresAt) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()
	var n int64
	for _, rec := range s.records {
		if now.Before(rec.ExpiresAt) {
			n++
		}
	}
	return n, nil
}

// Sweep deletes expired records.
func (s *MemoryStore) Sweep(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()
	var n int64
	for key, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

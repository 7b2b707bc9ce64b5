package ids

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewEventIDSequentialOrdering(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := 0; i < total; i++ {
		ids[i] = NewEventID()
	}

	for i := 0; i < total; i++ {
		if len(ids[i]) != 26 {
			t.Fatalf("expected ULID length 26, got %d", len(ids[i]))
		}
		if _, err := ulid.Parse(ids[i]); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
	}

	for i := 1; i < total; i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("expected ids to be strictly increasing, %s >= %s", ids[i-1], ids[i])
		}
	}
}

func TestNewEventIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := NewEventID()
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate id generated: %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("expected %d unique ids, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestEventTime(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts, ok := EventTime(eventIDAt(at))
	if !ok {
		t.Fatal("expected a parseable id")
	}
	if !ts.Equal(at) {
		t.Fatalf("expected %v, got %v", at, ts)
	}

	if _, ok := EventTime("not-an-id"); ok {
		t.Fatal("expected parse failure")
	}
}

func TestPrefixedIDs(t *testing.T) {
	if !strings.HasPrefix(NewReplayID(), "replay-") {
		t.Fatal("replay ids carry their prefix")
	}
	if NewSubscriptionID() == NewSubscriptionID() {
		t.Fatal("subscription ids must differ")
	}
}

package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAcquireSpacesGrants(t *testing.T) {
	// 600 per minute -> 100ms spacing
	th := New(600, zerolog.Nop())
	if th.Interval() != 100*time.Millisecond {
		t.Fatalf("unexpected interval %v", th.Interval())
	}

	ctx := context.Background()
	var grants []time.Time
	for i := 0; i < 3; i++ {
		if err := th.Acquire(ctx); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		grants = append(grants, time.Now())
	}
	for i := 1; i < len(grants); i++ {
		if gap := grants[i].Sub(grants[i-1]); gap < 90*time.Millisecond {
			t.Fatalf("grants %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestAcquireConcurrentCallersSpaced(t *testing.T) {
	th := New(1200, zerolog.Nop()) // 50ms
	ctx := context.Background()

	var (
		mu     sync.Mutex
		grants []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := th.Acquire(ctx); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(grants) != 4 {
		t.Fatalf("expected 4 grants, got %d", len(grants))
	}
	first, last := grants[0], grants[0]
	for _, g := range grants {
		if g.Before(first) {
			first = g
		}
		if g.After(last) {
			last = g
		}
	}
	if span := last.Sub(first); span < 130*time.Millisecond {
		t.Fatalf("4 grants at 50ms spacing finished in %v", span)
	}
}

func TestAcquireHonoursCancellation(t *testing.T) {
	th := New(1, zerolog.Nop())
	if err := th.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := th.Acquire(ctx); err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancelled acquire should return promptly")
	}
}

func TestDisabledThrottle(t *testing.T) {
	th := New(0, zerolog.Nop())
	start := time.Now()
	for i := 0; i < 50; i++ {
		if err := th.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("disabled throttle should not wait")
	}
}

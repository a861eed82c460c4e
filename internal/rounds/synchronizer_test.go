package rounds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"aviatorclient/internal/backend"
	"aviatorclient/internal/backend/backendtest"
)

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func currentID(s *Synchronizer) string {
	if r := s.Current(); r != nil {
		return r.ID
	}
	return ""
}

func TestSynchronizer_PollsOnInterval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fc := clockwork.NewFakeClock()
	f := backendtest.New()
	f.SetRound(backend.RawRound{"id": "r1", "status": "running"})

	s := New(f, f, zap.NewNop(), WithClock(fc), WithInterval(3*time.Second))
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	eventually(t, func() bool { return currentID(s) == "r1" }, "initial fetch")

	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never armed: %v", err)
	}
	f.SetRound(backend.RawRound{"id": "r2", "status": "scheduled"})

	fc.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if currentID(s) != "r1" {
		t.Fatalf("refreshed before the interval elapsed")
	}

	fc.Advance(time.Second)
	eventually(t, func() bool { return currentID(s) == "r2" }, "poll refresh")
}

func TestSynchronizer_PushTriggersRefresh(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	f := backendtest.New()
	f.SetRound(backend.RawRound{"id": "r1"})

	s := New(f, f, zap.NewNop(), WithClock(fc))
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()
	eventually(t, func() bool { return currentID(s) == "r1" }, "initial fetch")

	if n := f.Subscriptions("game_rounds"); n != 1 {
		t.Fatalf("game_rounds subscriptions = %d, want 1", n)
	}

	f.SetRound(backend.RawRound{"id": "r2", "burst_point": 1.8, "status": "crashed"})
	f.Publish(backend.ChangeEvent{Type: backend.EventInsert, Table: "game_rounds"}, map[string]any{"id": "r2"})

	eventually(t, func() bool { return currentID(s) == "r2" }, "push refresh without advancing the clock")
	if r := s.Current(); r.Phase != PhaseCrashed || r.BurstMultiplier == nil || *r.BurstMultiplier != 1.8 {
		t.Errorf("Current() = %+v, want crashed at 1.8", r)
	}
}

func TestSynchronizer_StopReleasesEverything(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	f := backendtest.New()
	f.SetRound(backend.RawRound{"id": "r1"})

	s := New(f, f, zap.NewNop(), WithClock(fc))
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	eventually(t, func() bool { return f.RoundCalls() >= 1 }, "initial fetch")

	s.Stop()

	if n := f.Subscriptions("game_rounds"); n != 0 {
		t.Errorf("subscriptions after Stop = %d, want 0", n)
	}

	calls := f.RoundCalls()
	fc.Advance(10 * time.Second)
	f.Publish(backend.ChangeEvent{Type: backend.EventUpdate, Table: "game_rounds"}, nil)
	time.Sleep(20 * time.Millisecond)
	if got := f.RoundCalls(); got != calls {
		t.Errorf("fetches after Stop: %d, want %d", got, calls)
	}

	if err := s.Start(ctx); err != nil {
		t.Errorf("restart after Stop: %v", err)
	}
	s.Stop()
}

func TestSynchronizer_StartTwice(t *testing.T) {
	f := backendtest.New()
	s := New(f, f, zap.NewNop(), WithClock(clockwork.NewFakeClock()))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestSynchronizer_EmptyResultKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	f.SetRound(backend.RawRound{"id": "r1"})
	s := New(f, f, zap.NewNop())

	if err := s.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	f.SetRound(nil)
	if err := s.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if currentID(s) != "r1" {
		t.Errorf("Current() = %q, want r1 kept", currentID(s))
	}
}

func TestSynchronizer_FetchErrorKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := backendtest.New()
	f.SetRound(backend.RawRound{"id": "r1"})
	s := New(f, f, zap.NewNop())
	_ = s.Refresh(ctx)

	boom := errors.New("connection reset")
	f.RoundFunc = func(context.Context) (backend.RawRound, error) { return nil, boom }
	if err := s.Refresh(ctx); !errors.Is(err, boom) {
		t.Fatalf("Refresh() = %v, want %v", err, boom)
	}
	if currentID(s) != "r1" {
		t.Errorf("Current() = %q, want r1 kept", currentID(s))
	}
}

// gatedSource hands out one gate per fetch so a test decides the order in
// which overlapping fetches complete.
type gatedSource struct {
	mu    sync.Mutex
	gates []chan backend.RawRound
}

func (g *gatedSource) fetch(ctx context.Context) (backend.RawRound, error) {
	gate := make(chan backend.RawRound)
	g.mu.Lock()
	g.gates = append(g.gates, gate)
	g.mu.Unlock()
	select {
	case r := <-gate:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedSource) pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.gates)
}

func (g *gatedSource) release(i int, r backend.RawRound) {
	g.mu.Lock()
	gate := g.gates[i]
	g.mu.Unlock()
	gate <- r
}

func TestSynchronizer_LastCompletedFetchWins(t *testing.T) {
	snapshotA := backend.RawRound{"id": "A", "burst_point": 5.0, "status": "running", "round_number": float64(1)}
	snapshotB := backend.RawRound{"id": "B", "status": "scheduled", "round_number": float64(2)}

	// Either notification may be first to reach the backend; what matters is
	// that A's fetch completes before B's.
	for _, order := range [][2]int{{0, 1}, {1, 0}} {
		t.Run("", func(t *testing.T) {
			ctx := context.Background()
			g := &gatedSource{}
			f := backendtest.New()
			f.RoundFunc = g.fetch

			s := New(f, f, zap.NewNop())

			s.trigger(ctx, TriggerPush)
			s.trigger(ctx, TriggerPush)
			eventually(t, func() bool { return g.pending() == 2 }, "both fetches in flight")

			g.release(order[0], snapshotA)
			eventually(t, func() bool { return currentID(s) == "A" }, "A applied")
			g.release(order[1], snapshotB)
			eventually(t, func() bool { return currentID(s) == "B" }, "B applied")

			s.wg.Wait()
			got := s.Current()
			if got.ID != "B" || got.BurstMultiplier != nil || got.Phase != PhaseScheduled || *got.RoundNumber != 2 {
				t.Errorf("final snapshot = %+v, want B with no fields carried over from A", got)
			}
		})
	}
}

package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for driving window resets.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGovernor(clk *fakeClock) *Governor {
	return New(Config{Now: clk.Now})
}

func TestRemainingAtConstruction(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(newFakeClock())
	h, d := g.Remaining()
	if h != 5000 || d != 35000 {
		t.Fatalf("Remaining() = (%d, %d), want (5000, 35000)", h, d)
	}
}

func TestCanPerformIdempotent(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(newFakeClock())

	for i := 0; i < 10; i++ {
		ok, err := g.CanPerform(ActionCreate)
		if err != nil {
			t.Fatalf("CanPerform error: %v", err)
		}
		if !ok {
			t.Fatalf("CanPerform = false on empty budget (iteration %d)", i)
		}
	}
	h, d := g.Remaining()
	if h != 5000 || d != 35000 {
		t.Fatalf("checks consumed budget: remaining (%d, %d)", h, d)
	}
}

func TestHourlyExhaustionAtCeiling(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(newFakeClock())

	// 5000 / 3 = 1666 creates fit in the hourly window.
	tracked := 0
	for {
		ok, err := g.CanPerform(ActionCreate)
		if err != nil {
			t.Fatalf("CanPerform error: %v", err)
		}
		if !ok {
			break
		}
		if err := g.Track(ActionCreate); err != nil {
			t.Fatalf("Track error: %v", err)
		}
		tracked++
		if tracked > 5000 {
			t.Fatal("never exhausted")
		}
	}
	if tracked != 1666 {
		t.Fatalf("tracked %d creates before denial, want 1666", tracked)
	}

	h, d := g.Remaining()
	if h != 5000-1666*3 {
		t.Fatalf("hourly remaining = %d, want %d", h, 5000-1666*3)
	}
	if d != 35000-1666*3 {
		t.Fatalf("daily remaining = %d, want %d", d, 35000-1666*3)
	}

	// The cheaper kinds still fit in the 2 leftover hourly points.
	if ok, _ := g.CanPerform(ActionUpdate); !ok {
		t.Fatal("update should still fit (cost 2, headroom 2)")
	}
	if ok, _ := g.CanPerform(ActionDelete); !ok {
		t.Fatal("delete should still fit (cost 1, headroom 2)")
	}
}

func TestCeilingNeverExceeded(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(newFakeClock())

	actions := []Action{ActionCreate, ActionUpdate, ActionDelete}
	for i := 0; i < 20000; i++ {
		a := actions[i%len(actions)]
		ok, err := g.CanPerform(a)
		if err != nil {
			t.Fatalf("CanPerform error: %v", err)
		}
		if !ok {
			continue
		}
		if err := g.Track(a); err != nil {
			t.Fatalf("Track error: %v", err)
		}
		b := g.Snapshot()
		if b.HourlyPoints > 5000 {
			t.Fatalf("hourly points %d exceed ceiling", b.HourlyPoints)
		}
		if b.DailyPoints > 35000 {
			t.Fatalf("daily points %d exceed ceiling", b.DailyPoints)
		}
	}
}

func TestHourlyResetLeavesDailyAlone(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	g := newTestGovernor(clk)

	for i := 0; i < 100; i++ {
		if ok, _ := g.CanPerform(ActionCreate); !ok {
			t.Fatal("unexpected denial")
		}
		if err := g.Track(ActionCreate); err != nil {
			t.Fatal(err)
		}
	}

	clk.Advance(time.Hour + time.Minute)

	// A probe triggers maintenance.
	if ok, err := g.CanPerform(ActionCreate); err != nil || !ok {
		t.Fatalf("CanPerform after hour = (%v, %v)", ok, err)
	}
	b := g.Snapshot()
	if b.HourlyPoints != 0 {
		t.Fatalf("hourly points = %d after hourly reset, want 0", b.HourlyPoints)
	}
	if b.DailyPoints != 300 {
		t.Fatalf("daily points = %d, want 300 (unchanged)", b.DailyPoints)
	}

	h, d := g.Remaining()
	if h != 5000 || d != 35000-300 {
		t.Fatalf("Remaining() = (%d, %d), want (5000, %d)", h, d, 35000-300)
	}
}

func TestDailyResetClearsBoth(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	g := newTestGovernor(clk)

	for i := 0; i < 50; i++ {
		if err := g.Track(ActionUpdate); err != nil {
			t.Fatal(err)
		}
	}

	clk.Advance(24*time.Hour + time.Minute)
	if ok, err := g.CanPerform(ActionDelete); err != nil || !ok {
		t.Fatalf("CanPerform after day = (%v, %v)", ok, err)
	}

	b := g.Snapshot()
	if b.HourlyPoints != 0 || b.DailyPoints != 0 {
		t.Fatalf("points = (%d, %d) after daily reset, want (0, 0)", b.HourlyPoints, b.DailyPoints)
	}
}

func TestWindowsAreElapsedTimeNotCalendar(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	g := newTestGovernor(clk)

	// Exactly one hour elapsed is not enough; the interval must be exceeded.
	clk.Advance(time.Hour)
	if err := g.Track(ActionCreate); err != nil {
		t.Fatal(err)
	}
	if _, err := g.CanPerform(ActionCreate); err != nil {
		t.Fatal(err)
	}
	if b := g.Snapshot(); b.HourlyPoints != 3 {
		t.Fatalf("reset fired at exactly 1h elapsed; points = %d", b.HourlyPoints)
	}

	clk.Advance(time.Second)
	if _, err := g.CanPerform(ActionCreate); err != nil {
		t.Fatal(err)
	}
	b := g.Snapshot()
	if b.HourlyPoints != 0 {
		t.Fatalf("reset did not fire at 1h1s elapsed; points = %d", b.HourlyPoints)
	}
	// The new window starts at the reset instant, not at a clock boundary.
	if !b.LastHourReset.Equal(clk.Now()) {
		t.Fatalf("LastHourReset = %v, want %v", b.LastHourReset, clk.Now())
	}
}

func TestResetTimestampsMonotonic(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	g := newTestGovernor(clk)

	prev := g.Snapshot()
	for i := 0; i < 30; i++ {
		clk.Advance(25 * time.Minute)
		if _, err := g.CanPerform(ActionDelete); err != nil {
			t.Fatal(err)
		}
		b := g.Snapshot()
		if b.LastHourReset.Before(prev.LastHourReset) {
			t.Fatalf("LastHourReset went backwards: %v -> %v", prev.LastHourReset, b.LastHourReset)
		}
		if b.LastDayReset.Before(prev.LastDayReset) {
			t.Fatalf("LastDayReset went backwards: %v -> %v", prev.LastDayReset, b.LastDayReset)
		}
		prev = b
	}
}

func TestUnknownActionRejected(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(newFakeClock())

	if _, err := g.CanPerform(Action("repost")); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("CanPerform(unknown) error = %v, want ErrUnknownAction", err)
	}
	if err := g.Track(Action("repost")); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("Track(unknown) error = %v, want ErrUnknownAction", err)
	}
	if _, err := g.Reserve(Action("")); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("Reserve(unknown) error = %v, want ErrUnknownAction", err)
	}

	// A rejected kind must not have charged anything.
	h, d := g.Remaining()
	if h != 5000 || d != 35000 {
		t.Fatalf("unknown action consumed budget: remaining (%d, %d)", h, d)
	}
}

func TestReserveChargesOnlyWhenAllowed(t *testing.T) {
	t.Parallel()
	g := New(Config{HourlyCeiling: 7, DailyCeiling: 100, Now: newFakeClock().Now})

	// 7 points hourly: create(3) + create(3) fit, third create denied,
	// delete(1) still fits.
	for i := 0; i < 2; i++ {
		ok, err := g.Reserve(ActionCreate)
		if err != nil || !ok {
			t.Fatalf("Reserve #%d = (%v, %v)", i, ok, err)
		}
	}
	if ok, _ := g.Reserve(ActionCreate); ok {
		t.Fatal("third create should be denied")
	}
	if b := g.Snapshot(); b.HourlyPoints != 6 {
		t.Fatalf("denied reserve charged budget: %d points", b.HourlyPoints)
	}
	if ok, _ := g.Reserve(ActionDelete); !ok {
		t.Fatal("delete should fit in remaining point")
	}
}

func TestReserveConcurrentNeverOvershoots(t *testing.T) {
	t.Parallel()
	g := New(Config{HourlyCeiling: 90, DailyCeiling: 90, Now: newFakeClock().Now})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				ok, err := g.Reserve(ActionCreate)
				if err != nil {
					t.Errorf("Reserve error: %v", err)
					return
				}
				if ok {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if granted != 30 {
		t.Fatalf("granted %d reservations, want exactly 30 (90 points / cost 3)", granted)
	}
	if b := g.Snapshot(); b.HourlyPoints != 90 {
		t.Fatalf("hourly points = %d, want 90", b.HourlyPoints)
	}
}

func TestApplySwapsPolicy(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(newFakeClock())

	if err := g.Track(ActionCreate); err != nil {
		t.Fatal(err)
	}

	err := g.Apply(Config{
		HourlyCeiling: 10,
		DailyCeiling:  20,
		Costs:         map[Action]int{ActionCreate: 9},
	})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}

	// Counters survive the policy swap: 3 already spent, cost now 9.
	if ok, _ := g.CanPerform(ActionCreate); ok {
		t.Fatal("create should no longer fit (3 spent + 9 > 10)")
	}
	h, d := g.Remaining()
	if h != 7 || d != 17 {
		t.Fatalf("Remaining() = (%d, %d), want (7, 17)", h, d)
	}

	// Old kinds dropped from the table are now rejected.
	if _, err := g.CanPerform(ActionUpdate); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("update after table swap: err = %v, want ErrUnknownAction", err)
	}
}

func TestApplyRejectsBrokenPolicy(t *testing.T) {
	t.Parallel()
	g := newTestGovernor(newFakeClock())

	err := g.Apply(Config{Costs: map[Action]int{ActionCreate: 0}})
	if err == nil {
		t.Fatal("expected error for zero cost")
	}
	err = g.Apply(Config{HourlyCeiling: 2, DailyCeiling: 100, Costs: map[Action]int{ActionCreate: 3}})
	if err == nil {
		t.Fatal("expected error for cost above ceiling")
	}
}

func TestTrackWithoutCheckIsUnchecked(t *testing.T) {
	t.Parallel()
	g := New(Config{HourlyCeiling: 4, DailyCeiling: 4, Now: newFakeClock().Now})

	// Caller contract: Track never enforces ceilings.
	for i := 0; i < 3; i++ {
		if err := g.Track(ActionCreate); err != nil {
			t.Fatal(err)
		}
	}
	if b := g.Snapshot(); b.HourlyPoints != 9 {
		t.Fatalf("hourly points = %d, want 9 (above ceiling, by contract)", b.HourlyPoints)
	}
	if ok, _ := g.CanPerform(ActionDelete); ok {
		t.Fatal("checks must deny once counters are above ceiling")
	}
}

package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Action identifies a write operation for costing purposes.
type Action string

const (
	// ActionCreate is a record creation (a post or a reply).
	ActionCreate Action = "create"
	// ActionUpdate is a read-state update (notification seen marker).
	ActionUpdate Action = "update"
	// ActionDelete is a record deletion.
	ActionDelete Action = "delete"
)

// ErrUnknownAction is returned when an action outside the configured cost
// table is requested. This is caller misuse, not a runtime condition.
var ErrUnknownAction = errors.New("ratelimit: unknown action kind")

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour

	// Default PDS policy: points per rolling hour / rolling day.
	DefaultHourlyCeiling = 5000
	DefaultDailyCeiling  = 35000
)

// DefaultCosts returns the default action cost table.
func DefaultCosts() map[Action]int {
	return map[Action]int{
		ActionCreate: 3,
		ActionUpdate: 2,
		ActionDelete: 1,
	}
}

// Config carries the governor policy. Zero fields fall back to defaults.
type Config struct {
	HourlyCeiling int
	DailyCeiling  int
	Costs         map[Action]int

	// Now overrides the clock; tests use this to drive window resets
	// deterministically. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HourlyCeiling <= 0 {
		c.HourlyCeiling = DefaultHourlyCeiling
	}
	if c.DailyCeiling <= 0 {
		c.DailyCeiling = DefaultDailyCeiling
	}
	if len(c.Costs) == 0 {
		c.Costs = DefaultCosts()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Validate rejects policies that could never admit an action.
func (c Config) Validate() error {
	cc := c.withDefaults()
	for kind, cost := range cc.Costs {
		if cost <= 0 {
			return fmt.Errorf("ratelimit: cost for %q must be > 0", kind)
		}
		if cost > cc.HourlyCeiling || cost > cc.DailyCeiling {
			return fmt.Errorf("ratelimit: cost for %q exceeds a window ceiling", kind)
		}
	}
	return nil
}

// Governor decides whether an action may proceed under the current budgets
// and accounts for it once performed.
//
// The scheduler runs jobs on a worker pool, so the governor takes a mutex on
// every operation. Sequential callers may use the CanPerform/Track pair;
// anything that could run concurrently must use Reserve, which folds the
// check and the charge into one critical section.
type Governor struct {
	mu      sync.Mutex
	cfg     Config
	budget  Budget
	metrics *Metrics
}

// New constructs a governor with zero counters and both window stamps set to
// the current clock reading.
func New(cfg Config) *Governor {
	cfg = cfg.withDefaults()
	return &Governor{
		cfg:    cfg,
		budget: newBudget(cfg.Now()),
	}
}

// SetMetrics attaches Prometheus collectors. Optional; nil disables.
func (g *Governor) SetMetrics(m *Metrics) {
	g.mu.Lock()
	g.metrics = m
	g.mu.Unlock()
}

// Apply swaps ceilings and costs at runtime (config hot-reload). Counters
// and window stamps are kept as-is; a lowered ceiling takes effect on the
// next check.
func (g *Governor) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()
	g.mu.Lock()
	cfg.Now = g.cfg.Now // the clock is fixed at construction
	g.cfg = cfg
	g.mu.Unlock()
	return nil
}

// Cost returns the point cost of an action kind.
func (g *Governor) Cost(a Action) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.costLocked(a)
}

func (g *Governor) costLocked(a Action) (int, error) {
	cost, ok := g.cfg.Costs[a]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, a)
	}
	return cost, nil
}

// maintainLocked rolls each window forward when its interval has fully
// elapsed since the last reset. Windows are elapsed-time based, not aligned
// to clock boundaries: they drift forward from whenever the previous reset
// happened. The hourly and daily checks are independent.
func (g *Governor) maintainLocked(now time.Time) {
	if now.Sub(g.budget.LastHourReset) > hourWindow {
		g.budget.HourlyPoints = 0
		g.budget.LastHourReset = now
	}
	if now.Sub(g.budget.LastDayReset) > dayWindow {
		g.budget.DailyPoints = 0
		g.budget.LastDayReset = now
	}
}

func (g *Governor) headroomLocked(cost int) bool {
	return g.budget.HourlyPoints+cost <= g.cfg.HourlyCeiling &&
		g.budget.DailyPoints+cost <= g.cfg.DailyCeiling
}

// CanPerform reports whether the action fits in both windows right now.
//
// It is not read-only: window maintenance runs first, so expired windows are
// reset before the headroom check. Repeated calls without an intervening
// Track do not consume budget. Both windows must have headroom; there is no
// partial credit.
func (g *Governor) CanPerform(a Action) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cost, err := g.costLocked(a)
	if err != nil {
		return false, err
	}
	g.maintainLocked(g.cfg.Now())
	ok := g.headroomLocked(cost)
	g.metrics.recordCheck(a, ok)
	g.metrics.observeUsage(g.budget, g.cfg)
	return ok, nil
}

// Track charges the action's cost to both windows unconditionally.
//
// It performs no window maintenance and no ceiling check: the caller must
// have already received true from CanPerform for this action. Calling Track
// without that can push counters above a ceiling.
func (g *Governor) Track(a Action) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cost, err := g.costLocked(a)
	if err != nil {
		return err
	}
	g.chargeLocked(a, cost)
	return nil
}

func (g *Governor) chargeLocked(a Action, cost int) {
	g.budget.HourlyPoints += cost
	g.budget.DailyPoints += cost
	g.metrics.recordCharge(a, cost)
	g.metrics.observeUsage(g.budget, g.cfg)
}

// Reserve is the atomic check-and-charge: window maintenance, headroom check
// and charge under one critical section. It returns false (and charges
// nothing) when either window lacks headroom.
func (g *Governor) Reserve(a Action) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cost, err := g.costLocked(a)
	if err != nil {
		return false, err
	}
	g.maintainLocked(g.cfg.Now())
	ok := g.headroomLocked(cost)
	g.metrics.recordCheck(a, ok)
	if ok {
		g.chargeLocked(a, cost)
	} else {
		g.metrics.recordDenied(g.budget, g.cfg, cost)
		g.metrics.observeUsage(g.budget, g.cfg)
	}
	return ok, nil
}

// Remaining returns the headroom left in the hourly and daily windows.
//
// No window maintenance runs here; callers that need fresh values after an
// idle stretch should issue a CanPerform probe first. Diagnostic use only.
func (g *Governor) Remaining() (hourly, daily int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.HourlyCeiling - g.budget.HourlyPoints,
		g.cfg.DailyCeiling - g.budget.DailyPoints
}

// Snapshot returns a copy of the current budget state for diagnostics.
func (g *Governor) Snapshot() Budget {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.budget
}

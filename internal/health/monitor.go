// Package health monitors the liveness of backing services and guards
// calls to them with a circuit breaker. The monitor runs periodic checks,
// backs off exponentially while a dependency is down, and notifies
// registered subscribers whenever a component changes status.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/nmoray/ragcore/internal/log"
)

// Status is the reported condition of a monitored component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusDisabled  Status = "disabled"
)

// Event describes a status transition of a monitored component.
type Event struct {
	Component string
	Status    Status
	State     CircuitState
	Err       error
	At        time.Time
}

// Checker probes one dependency. It must return quickly; the monitor
// passes a context bounded by its check timeout.
type Checker func(ctx context.Context) error

// MonitorConfig configures the health monitor.
type MonitorConfig struct {
	Interval     time.Duration // base interval between checks (default: 15s)
	CheckTimeout time.Duration // per-check deadline (default: 5s)
	MaxBackoff   time.Duration // backoff ceiling while unhealthy (default: 2m)
	Breaker      CircuitBreakerConfig
}

// DefaultMonitorConfig returns sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:     15 * time.Second,
		CheckTimeout: 5 * time.Second,
		MaxBackoff:   2 * time.Minute,
		Breaker:      DefaultCircuitBreakerConfig(),
	}
}

type component struct {
	name    string
	check   Checker
	breaker *CircuitBreaker

	mu      sync.Mutex
	status  Status
	lastErr error
	backoff time.Duration
	nextDue time.Time
}

// Monitor runs periodic health checks over registered components.
type Monitor struct {
	cfg    MonitorConfig
	logger log.Logger

	mu          sync.RWMutex
	components  map[string]*component
	subscribers []func(Event)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. Register components before calling Start.
func NewMonitor(cfg MonitorConfig, logger log.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Minute
	}
	if logger == nil {
		logger = log.NewNop()
	}

	return &Monitor{
		cfg:        cfg,
		logger:     logger.With("component", "health"),
		components: make(map[string]*component),
	}
}

// Register adds a named component. Components start out healthy and are
// probed on the next tick.
func (m *Monitor) Register(name string, check Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = &component{
		name:    name,
		check:   check,
		breaker: NewCircuitBreaker(m.cfg.Breaker),
		status:  StatusHealthy,
		backoff: m.cfg.Interval,
	}
}

// Subscribe registers a callback invoked on every status transition.
// Callbacks run synchronously from the monitor goroutine and must not
// block.
func (m *Monitor) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Start launches the check loop. It returns immediately; call Stop to
// shut the loop down.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(ctx)
}

// Stop terminates the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	// Tick at a fraction of the base interval so per-component backoff
	// deadlines are honored with reasonable resolution.
	tick := m.cfg.Interval / 4
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	m.checkAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	m.mu.RLock()
	comps := make([]*component, 0, len(m.components))
	for _, c := range m.components {
		comps = append(comps, c)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, c := range comps {
		c.mu.Lock()
		due := now.After(c.nextDue) || c.nextDue.IsZero()
		c.mu.Unlock()
		if due {
			m.checkOne(ctx, c)
		}
	}
}

func (m *Monitor) checkOne(ctx context.Context, c *component) {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	err := c.check(checkCtx)
	cancel()

	c.mu.Lock()
	prev := c.status
	if err != nil {
		c.breaker.Failure()
		c.status = StatusUnhealthy
		c.lastErr = err
		// Back off exponentially while the component stays down.
		c.backoff *= 2
		if c.backoff > m.cfg.MaxBackoff {
			c.backoff = m.cfg.MaxBackoff
		}
	} else {
		c.breaker.Success()
		c.status = StatusHealthy
		c.lastErr = nil
		c.backoff = m.cfg.Interval
	}
	c.nextDue = time.Now().Add(c.backoff)
	cur := c.status
	state := c.breaker.State()
	c.mu.Unlock()

	if err != nil {
		m.logger.Warn("health check failed", "name", c.name, "error", err, "circuit", state.String())
	}

	if prev != cur {
		m.notify(Event{
			Component: c.name,
			Status:    cur,
			State:     state,
			Err:       err,
			At:        time.Now(),
		})
	}
}

func (m *Monitor) notify(ev Event) {
	m.mu.RLock()
	subs := make([]func(Event), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Guard wraps a call to the named component through its circuit breaker.
// While the circuit is open the call is rejected immediately with
// ErrCircuitOpen instead of touching the dependency.
func (m *Monitor) Guard(name string, fn func() error) error {
	m.mu.RLock()
	c, ok := m.components[name]
	m.mu.RUnlock()
	if !ok {
		return fn()
	}

	if err := c.breaker.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		c.breaker.Failure()
		return err
	}
	c.breaker.Success()
	return nil
}

// CircuitState reports the breaker state of a registered component.
// The second return is false for unknown components.
func (m *Monitor) CircuitState(name string) (CircuitState, bool) {
	m.mu.RLock()
	c, ok := m.components[name]
	m.mu.RUnlock()
	if !ok {
		return CircuitClosed, false
	}
	return c.breaker.State(), true
}

// Status reports the current status of every registered component.
func (m *Monitor) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.components))
	for name, c := range m.components {
		c.mu.Lock()
		out[name] = c.status
		c.mu.Unlock()
	}
	return out
}

// Healthy reports whether every registered component is healthy.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Status() {
		if s != StatusHealthy {
			return false
		}
	}
	return true
}

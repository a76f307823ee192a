package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMonitorEmitsTransitionEvents(t *testing.T) {
	var (
		mu      sync.Mutex
		healthy = true
	)
	check := func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return nil
		}
		return errors.New("connection refused")
	}

	m := NewMonitor(MonitorConfig{Interval: 10 * time.Millisecond}, nil)
	m.Register("database", check)

	var (
		evMu   sync.Mutex
		events []Event
	)
	m.Subscribe(func(ev Event) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})

	// Healthy -> unhealthy -> healthy drives two transitions.
	ctx := context.Background()
	m.checkOne(ctx, m.components["database"])

	mu.Lock()
	healthy = false
	mu.Unlock()
	m.checkOne(ctx, m.components["database"])

	mu.Lock()
	healthy = true
	mu.Unlock()
	m.checkOne(ctx, m.components["database"])

	evMu.Lock()
	defer evMu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Status != StatusUnhealthy || events[0].Component != "database" {
		t.Errorf("first event = %+v, want unhealthy database", events[0])
	}
	if events[1].Status != StatusHealthy {
		t.Errorf("second event = %+v, want healthy", events[1])
	}
}

func TestMonitorBackoffGrowsWhileUnhealthy(t *testing.T) {
	check := func(ctx context.Context) error { return errors.New("down") }

	m := NewMonitor(MonitorConfig{
		Interval:   10 * time.Millisecond,
		MaxBackoff: 35 * time.Millisecond,
	}, nil)
	m.Register("store", check)

	c := m.components["store"]
	ctx := context.Background()

	m.checkOne(ctx, c)
	first := c.backoff
	m.checkOne(ctx, c)
	second := c.backoff
	m.checkOne(ctx, c)
	third := c.backoff

	if second <= first {
		t.Errorf("backoff did not grow: %v then %v", first, second)
	}
	if third > 35*time.Millisecond {
		t.Errorf("backoff %v exceeds ceiling", third)
	}
}

func TestMonitorBackoffResetsOnRecovery(t *testing.T) {
	var healthy bool
	var mu sync.Mutex
	check := func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return nil
		}
		return errors.New("down")
	}

	m := NewMonitor(MonitorConfig{Interval: 10 * time.Millisecond}, nil)
	m.Register("store", check)
	c := m.components["store"]
	ctx := context.Background()

	m.checkOne(ctx, c)
	m.checkOne(ctx, c)

	mu.Lock()
	healthy = true
	mu.Unlock()
	m.checkOne(ctx, c)

	if c.backoff != 10*time.Millisecond {
		t.Errorf("backoff after recovery = %v, want base interval", c.backoff)
	}
	if c.status != StatusHealthy {
		t.Errorf("status = %v, want healthy", c.status)
	}
}

func TestMonitorGuardFastFailsWhenOpen(t *testing.T) {
	m := NewMonitor(MonitorConfig{
		Interval: time.Second,
		Breaker: CircuitBreakerConfig{
			FailureThreshold: 2,
			Cooldown:         time.Minute,
		},
	}, nil)
	m.Register("llm", func(ctx context.Context) error { return nil })

	boom := errors.New("boom")
	calls := 0
	fail := func() error { calls++; return boom }

	if err := m.Guard("llm", fail); !errors.Is(err, boom) {
		t.Fatalf("first Guard = %v, want boom", err)
	}
	if err := m.Guard("llm", fail); !errors.Is(err, boom) {
		t.Fatalf("second Guard = %v, want boom", err)
	}

	// Circuit is now open: the callback must not run.
	if err := m.Guard("llm", fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("third Guard = %v, want ErrCircuitOpen", err)
	}
	if calls != 2 {
		t.Errorf("callback ran %d times, want 2", calls)
	}
}

func TestMonitorGuardUnknownComponentPassesThrough(t *testing.T) {
	m := NewMonitor(DefaultMonitorConfig(), nil)
	ran := false
	if err := m.Guard("nope", func() error { ran = true; return nil }); err != nil {
		t.Fatalf("Guard = %v", err)
	}
	if !ran {
		t.Error("callback did not run for unregistered component")
	}
}

func TestMonitorStartStop(t *testing.T) {
	var calls int
	var mu sync.Mutex
	check := func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}

	m := NewMonitor(MonitorConfig{Interval: 10 * time.Millisecond}, nil)
	m.Register("database", check)

	m.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Error("check never ran")
	}
	if !m.Healthy() {
		t.Error("monitor reports unhealthy with passing checks")
	}
}

func TestMonitorStatusSnapshot(t *testing.T) {
	m := NewMonitor(DefaultMonitorConfig(), nil)
	m.Register("database", func(ctx context.Context) error { return nil })
	m.Register("llm", func(ctx context.Context) error { return errors.New("down") })

	ctx := context.Background()
	for _, c := range m.components {
		m.checkOne(ctx, c)
	}

	st := m.Status()
	if st["database"] != StatusHealthy {
		t.Errorf("database = %v, want healthy", st["database"])
	}
	if st["llm"] != StatusUnhealthy {
		t.Errorf("llm = %v, want unhealthy", st["llm"])
	}
	if m.Healthy() {
		t.Error("Healthy() = true with one failing component")
	}
}

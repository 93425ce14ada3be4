package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gatewright/gatewright/pkg/policy"
)

// Manager supervises controllers, one goroutine per plan. A panicking or
// failing plan is isolated: it is logged and its controller retired, while
// every other plan keeps running.
type Manager struct {
	engine   *policy.Engine
	recorder Recorder
	cfg      Config
	logger   *slog.Logger

	mu          sync.Mutex
	controllers map[string]*Controller
	wg          sync.WaitGroup
}

// NewManager builds a manager whose controllers share engine, recorder and
// controller config.
func NewManager(engine *policy.Engine, recorder Recorder, cfg Config) *Manager {
	return &Manager{
		engine:      engine,
		recorder:    recorder,
		cfg:         cfg,
		logger:      slog.Default().With("component", "rollout-manager"),
		controllers: make(map[string]*Controller),
	}
}

// StartPlan gates the plan on policy and, if allowed, launches its loop.
// Each plan may carry its own bundle version: concurrent plans never share
// policy state.
func (m *Manager) StartPlan(ctx context.Context, plan *Plan, rctx *policy.ReleaseContext, bundle *policy.Bundle) (*Controller, error) {
	m.mu.Lock()
	if _, exists := m.controllers[plan.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("rollout: plan %s already running", plan.ID)
	}
	m.mu.Unlock()

	c, err := NewController(plan, rctx, bundle, m.engine, m.recorder, m.cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.controllers[plan.ID] = c
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("plan loop panicked", "plan_id", plan.ID, "panic", r)
			}
		}()
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("plan loop exited", "plan_id", plan.ID, "error", err)
		}
	}()
	return c, nil
}

// Ingest routes a telemetry sample to its plan. Samples for unknown plans
// are dropped silently; collectors often outlive the plans they watch.
func (m *Manager) Ingest(s *BurnRateSample) {
	m.mu.Lock()
	c := m.controllers[s.PlanID]
	m.mu.Unlock()
	if c != nil {
		c.Offer(s)
	}
}

func (m *Manager) get(planID string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[planID]
	if !ok {
		return nil, fmt.Errorf("rollout: no such plan %s", planID)
	}
	return c, nil
}

// Pause, Resume and Rollback are the operator surface, routed by plan ID.
func (m *Manager) Pause(ctx context.Context, planID, approver, reason string) error {
	c, err := m.get(planID)
	if err != nil {
		return err
	}
	return c.Pause(ctx, approver, reason)
}

func (m *Manager) Resume(ctx context.Context, planID, approver string) error {
	c, err := m.get(planID)
	if err != nil {
		return err
	}
	return c.Resume(ctx, approver)
}

func (m *Manager) Rollback(ctx context.Context, planID, approver, reason string) error {
	c, err := m.get(planID)
	if err != nil {
		return err
	}
	return c.Rollback(ctx, approver, reason)
}

// Snapshot returns the state of one plan.
func (m *Manager) Snapshot(planID string) (State, error) {
	c, err := m.get(planID)
	if err != nil {
		return State{}, err
	}
	return c.Snapshot(), nil
}

// Plans lists the state of every known plan.
func (m *Manager) Plans() []State {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		controllers = append(controllers, c)
	}
	m.mu.Unlock()

	states := make([]State, 0, len(controllers))
	for _, c := range controllers {
		states = append(states, c.Snapshot())
	}
	return states
}

// Wait blocks until every plan loop has exited. Call after cancelling the
// context passed to StartPlan.
func (m *Manager) Wait() {
	m.wg.Wait()
}

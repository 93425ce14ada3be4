package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gatewright/gatewright/pkg/attest"
	"github.com/gatewright/gatewright/pkg/policy"
)

// Actuator applies exposure percentages to the traffic layer. Gatewright
// decides; the actuator is the caller-supplied hand on the dial.
type Actuator interface {
	SetExposure(ctx context.Context, planID string, percent map[string]int) error
}

// LogActuator only logs exposure changes. Default for dry runs and tests.
type LogActuator struct {
	Logger *slog.Logger
}

func (a *LogActuator) SetExposure(ctx context.Context, planID string, percent map[string]int) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "exposure set", "plan_id", planID, "percent", percent)
	return nil
}

// Recorder writes attestation evidence. *ledger.Writer satisfies it.
type Recorder interface {
	Record(ctx context.Context, kind attest.Kind, payload any, keys attest.CorrelationKeys) (*attest.Event, error)
}

// Controller runs one plan's evaluation loop. One controller per plan, one
// goroutine per controller; controllers share nothing mutable.
//
// Telemetry arrives through a bounded queue: a full queue drops the oldest
// sample and counts the drop — backpressure never stalls breach detection.
// Gating decisions are made first and recorded after, except pause and
// rollback, which are durably recorded before the operation is reported
// complete.
type Controller struct {
	plan     *Plan
	engine   *policy.Engine
	bundle   *policy.Bundle
	rctx     *policy.ReleaseContext
	actuator Actuator
	recorder Recorder
	logger   *slog.Logger
	clock    func() time.Time
	tick     time.Duration

	samples  chan *BurnRateSample
	commands chan command
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	state *State
	gate  *healthGate

	droppedCounter    metric.Int64Counter
	transitionCounter metric.Int64Counter
}

type commandAction string

const (
	cmdPause    commandAction = "pause"
	cmdResume   commandAction = "resume"
	cmdRollback commandAction = "rollback"
)

type command struct {
	action   commandAction
	approver string
	reason   string
	reply    chan error
}

// Config tunes a controller. Zero values get safe defaults.
type Config struct {
	Tick        time.Duration // loop interval; bounds detection latency
	QueueSize   int           // telemetry buffer per plan
	Actuator    Actuator
	Clock       func() time.Time
}

// NewController wires a controller for plan. The release context and bundle
// are carried explicitly so concurrent plans may run against different
// bundle versions.
func NewController(plan *Plan, rctx *policy.ReleaseContext, bundle *policy.Bundle,
	engine *policy.Engine, recorder Recorder, cfg Config) (*Controller, error) {

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Actuator == nil {
		cfg.Actuator = &LogActuator{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	meter := otel.Meter("gatewright.rollout")
	dropped, _ := meter.Int64Counter("gatewright.telemetry.dropped",
		metric.WithDescription("Burn-rate samples dropped from full plan queues"))
	transitions, _ := meter.Int64Counter("gatewright.rollout.transitions",
		metric.WithDescription("Rollout state machine transitions"))

	return &Controller{
		plan:              plan,
		engine:            engine,
		bundle:            bundle,
		rctx:              rctx,
		actuator:          cfg.Actuator,
		recorder:          recorder,
		logger:            slog.Default().With("component", "rollout", "plan_id", plan.ID),
		clock:             cfg.Clock,
		tick:              cfg.Tick,
		samples:           make(chan *BurnRateSample, cfg.QueueSize),
		commands:          make(chan command),
		done:              make(chan struct{}),
		state:             NewState(plan),
		gate:              newHealthGate(plan.Gate),
		droppedCounter:    dropped,
		transitionCounter: transitions,
	}, nil
}

// keys returns the correlation keys stamped on every evidence event.
func (c *Controller) keys() attest.CorrelationKeys {
	return attest.CorrelationKeys{
		ReleaseID:    c.plan.ReleaseID,
		BundleDigest: c.plan.BundleDigest,
		DeployRev:    c.plan.ID,
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c.state
	cp.Percent = make(map[string]int, len(c.state.Percent))
	for k, v := range c.state.Percent {
		cp.Percent[k] = v
	}
	cp.Transitions = append([]Transition(nil), c.state.Transitions...)
	return cp
}

// Start gates the plan on a fresh policy decision and opens the rollout.
// A denying decision leaves the plan pending and returns the decision's
// reason — a deny always carries one.
func (c *Controller) Start(ctx context.Context) error {
	d, err := c.engine.Evaluate(c.rctx, c.bundle)
	if err != nil {
		return fmt.Errorf("rollout: initial policy evaluation: %w", err)
	}
	if !d.Allow {
		return fmt.Errorf("rollout: plan %s denied by policy: %s", c.plan.ID, d.Reason())
	}

	c.mu.Lock()
	err = c.state.transition(StatusAdvancing, c.clock(), "initial policy decision allow", "")
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.countTransition(ctx, StatusAdvancing)

	// Evidence of the start is recorded without holding up the rollout.
	if _, err := c.recorder.Record(ctx, attest.KindRolloutStarted, map[string]any{
		"plan_id":       c.plan.ID,
		"decision_hash": d.DecisionHash,
		"bundle_digest": d.BundleDigest,
	}, c.keys()); err != nil {
		c.logger.ErrorContext(ctx, "failed to record rollout start", "error", err)
	}
	return nil
}

// Run is the plan's evaluation loop. It returns when the plan reaches a
// terminal state or ctx is cancelled. Internal errors are logged and
// counted, never propagated — one plan's trouble must not crash another's
// loop (the caller runs each plan in its own goroutine).
func (c *Controller) Run(ctx context.Context) error {
	defer c.stopOnce.Do(func() { close(c.done) })
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-c.samples:
			c.handleSample(ctx, s)
		case cmd := <-c.commands:
			cmd.reply <- c.handleCommand(ctx, cmd)
		case <-ticker.C:
			c.handleTick(ctx)
		}
		if c.Snapshot().Status.Terminal() {
			return nil
		}
	}
}

// Offer enqueues a telemetry sample without ever blocking. When the queue
// is full the oldest sample is dropped and counted.
func (c *Controller) Offer(s *BurnRateSample) {
	for {
		select {
		case c.samples <- s:
			return
		default:
			select {
			case <-c.samples:
				c.droppedCounter.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("plan_id", c.plan.ID)))
			default:
			}
		}
	}
}

// Pause, Resume and Rollback are the operator control surface. They block
// until the loop has applied (and durably recorded) the command.
func (c *Controller) Pause(ctx context.Context, approver, reason string) error {
	return c.send(ctx, command{action: cmdPause, approver: approver, reason: reason})
}

func (c *Controller) Resume(ctx context.Context, approver string) error {
	return c.send(ctx, command{action: cmdResume, approver: approver, reason: "operator resume"})
}

func (c *Controller) Rollback(ctx context.Context, approver, reason string) error {
	return c.send(ctx, command{action: cmdRollback, approver: approver, reason: reason})
}

func (c *Controller) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.commands <- cmd:
	case <-c.done:
		// Loop exited; apply directly so a rollback after completion (or a
		// repeated rollback) still gets its answer.
		return c.handleCommand(ctx, cmd)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleSample feeds the health gate. Breach detection happens on sample
// arrival, not on the next tick, so detection latency is bounded by
// telemetry cadence.
func (c *Controller) handleSample(ctx context.Context, s *BurnRateSample) {
	c.mu.Lock()
	soaking := c.state.Status == StatusSoaking
	if soaking {
		c.gate.observe(s)
	}
	breach := c.gate.breached()
	c.mu.Unlock()

	if soaking && breach != nil {
		c.autoPause(ctx, breach.Reason())
	}
}

func (c *Controller) handleTick(ctx context.Context) {
	now := c.clock()

	c.mu.Lock()
	status := c.state.Status
	step := c.plan.Steps[c.state.StepIndex]
	soakStart := c.state.SoakStart
	lastStep := c.state.StepIndex == len(c.plan.Steps)-1
	c.mu.Unlock()

	switch status {
	case StatusAdvancing:
		c.advance(ctx, step, now)

	case StatusSoaking:
		// Re-invoke the policy engine each pass: waiver expiry or a
		// governed-field change can turn a previously allowed release into
		// a deny mid-rollout.
		d, err := c.engine.Evaluate(c.rctx, c.bundle)
		if err != nil {
			c.logger.ErrorContext(ctx, "policy re-evaluation failed", "error", err)
			return
		}
		if !d.Allow {
			c.autoPause(ctx, "policy no longer allows: "+d.Reason())
			return
		}

		if now.Sub(soakStart) < step.MinSoak {
			return
		}
		c.mu.Lock()
		breach := c.gate.breached()
		c.mu.Unlock()
		if breach != nil {
			c.autoPause(ctx, breach.Reason())
			return
		}

		if lastStep {
			c.complete(ctx, now)
			return
		}
		c.mu.Lock()
		c.state.StepIndex++
		err = c.state.transition(StatusAdvancing, now, "soak passed, advancing to next step", "")
		c.mu.Unlock()
		if err != nil {
			c.logger.ErrorContext(ctx, "advance transition rejected", "error", err)
			return
		}
		c.countTransition(ctx, StatusAdvancing)
	}
}

// advance pushes the current step's exposure out and moves to soaking.
func (c *Controller) advance(ctx context.Context, step Step, now time.Time) {
	percent := make(map[string]int, len(c.plan.Cohorts))
	for _, cohort := range c.plan.Cohorts {
		percent[cohort.Name] = step.Percent
	}
	if err := c.actuator.SetExposure(ctx, c.plan.ID, percent); err != nil {
		c.logger.ErrorContext(ctx, "exposure actuation failed, retrying next tick", "error", err)
		return
	}

	c.mu.Lock()
	c.state.Percent = percent
	c.state.SoakStart = now
	c.gate.reset()
	err := c.state.transition(StatusSoaking, now, fmt.Sprintf("reached %d%% exposure", step.Percent), "")
	c.mu.Unlock()
	if err != nil {
		c.logger.ErrorContext(ctx, "soak transition rejected", "error", err)
		return
	}
	c.countTransition(ctx, StatusSoaking)
}

// autoPause is the automatic breach response. The pause is durably recorded
// before it is considered complete.
func (c *Controller) autoPause(ctx context.Context, reason string) {
	c.mu.Lock()
	err := c.state.transition(StatusPaused, c.clock(), reason, "")
	c.mu.Unlock()
	if err != nil {
		// Already paused or terminal; nothing to do.
		return
	}
	c.countTransition(ctx, StatusPaused)
	c.logger.WarnContext(ctx, "rollout paused", "reason", reason)

	if _, err := c.recorder.Record(ctx, attest.KindRolloutPaused, map[string]any{
		"plan_id": c.plan.ID,
		"reason":  reason,
	}, c.keys()); err != nil {
		c.logger.ErrorContext(ctx, "failed to durably record pause", "error", err)
	}
}

func (c *Controller) complete(ctx context.Context, now time.Time) {
	c.mu.Lock()
	err := c.state.transition(StatusCompleted, now, "final step soaked at 100%", "")
	c.mu.Unlock()
	if err != nil {
		c.logger.ErrorContext(ctx, "complete transition rejected", "error", err)
		return
	}
	c.countTransition(ctx, StatusCompleted)

	if _, err := c.recorder.Record(ctx, attest.KindRolloutCompleted, map[string]any{
		"plan_id": c.plan.ID,
	}, c.keys()); err != nil {
		c.logger.ErrorContext(ctx, "failed to record completion", "error", err)
	}
}

func (c *Controller) handleCommand(ctx context.Context, cmd command) error {
	if cmd.approver == "" {
		return fmt.Errorf("rollout: %s requires an approver identity", cmd.action)
	}
	now := c.clock()

	switch cmd.action {
	case cmdPause:
		c.mu.Lock()
		err := c.state.transition(StatusPaused, now, cmd.reason, cmd.approver)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.countTransition(ctx, StatusPaused)
		_, err = c.recorder.Record(ctx, attest.KindRolloutPaused, map[string]any{
			"plan_id":  c.plan.ID,
			"reason":   cmd.reason,
			"approver": cmd.approver,
		}, c.keys())
		return err

	case cmdResume:
		c.mu.Lock()
		err := c.state.transition(StatusSoaking, now, cmd.reason, cmd.approver)
		if err == nil {
			c.state.SoakStart = now
			c.gate.reset()
		}
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.countTransition(ctx, StatusSoaking)
		if _, err := c.recorder.Record(ctx, attest.KindRolloutResumed, map[string]any{
			"plan_id":  c.plan.ID,
			"approver": cmd.approver,
		}, c.keys()); err != nil {
			c.logger.ErrorContext(ctx, "failed to record resume", "error", err)
		}
		return nil

	case cmdRollback:
		return c.rollback(ctx, cmd.approver, cmd.reason, now)
	}
	return fmt.Errorf("rollout: unknown command %q", cmd.action)
}

// rollback reverts exposure to zero for all cohorts. Idempotent: a second
// rollback is a no-op. The rollback is durably recorded before it is
// reported complete; any pending soak timer dies with the status change.
func (c *Controller) rollback(ctx context.Context, approver, reason string, now time.Time) error {
	c.mu.Lock()
	if c.state.Status == StatusRolledBack {
		c.mu.Unlock()
		return nil
	}
	if c.state.Status == StatusCompleted {
		c.mu.Unlock()
		return fmt.Errorf("rollout: plan %s already completed", c.plan.ID)
	}
	err := c.state.transition(StatusRolledBack, now, reason, approver)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.countTransition(ctx, StatusRolledBack)

	zero := make(map[string]int, len(c.plan.Cohorts))
	for _, cohort := range c.plan.Cohorts {
		zero[cohort.Name] = 0
	}
	if err := c.actuator.SetExposure(ctx, c.plan.ID, zero); err != nil {
		c.logger.ErrorContext(ctx, "rollback actuation failed", "error", err)
	}
	c.mu.Lock()
	c.state.Percent = zero
	c.mu.Unlock()

	if _, err := c.recorder.Record(ctx, attest.KindRolloutRolledBack, map[string]any{
		"plan_id":  c.plan.ID,
		"reason":   reason,
		"approver": approver,
	}, c.keys()); err != nil {
		return fmt.Errorf("rollout: rollback of %s applied but evidence write failed: %w", c.plan.ID, err)
	}
	return nil
}

func (c *Controller) countTransition(ctx context.Context, to Status) {
	c.transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plan_id", c.plan.ID),
		attribute.String("to", string(to)),
	))
}

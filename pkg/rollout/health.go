package rollout

import (
	"fmt"
	"math"
	"time"
)

// BurnRateSample is one windowed health measurement pushed by observability
// collaborators. The controller only consumes; it never scrapes.
type BurnRateSample struct {
	PlanID    string        `json:"plan_id"`
	Cohort    string        `json:"cohort"`
	Window    time.Duration `json:"window"`
	BadRate   float64       `json:"bad_rate"`   // observed bad-outcome rate
	Budget    float64       `json:"budget"`     // allowed bad-outcome budget over the window
	CostDelta float64       `json:"cost_delta"` // optional, diagnostic only
	At        time.Time     `json:"at"`
}

// BurnRate is observed rate over budget. A zero or negative budget burns
// infinitely — such a sample always breaches.
func (s *BurnRateSample) BurnRate() float64 {
	if s.Budget <= 0 {
		return math.Inf(1)
	}
	return s.BadRate / s.Budget
}

// Breach describes a failed gate.
type Breach struct {
	Cohort      string
	BurnRate    float64
	Consecutive int
}

func (b *Breach) Reason() string {
	return fmt.Sprintf("cohort %q burn rate %.2fx over budget for %d consecutive samples",
		b.Cohort, b.BurnRate, b.Consecutive)
}

// healthGate tracks consecutive breaching samples per cohort. The strictest
// cohort governs: one breaching cohort fails the gate for the whole step,
// regardless of any other cohort's weight or health.
type healthGate struct {
	cfg         GateConfig
	consecutive map[string]int
	lastRate    map[string]float64
}

func newHealthGate(cfg GateConfig) *healthGate {
	return &healthGate{
		cfg:         cfg,
		consecutive: make(map[string]int),
		lastRate:    make(map[string]float64),
	}
}

// observe folds a sample into the per-cohort breach streaks.
func (g *healthGate) observe(s *BurnRateSample) {
	rate := s.BurnRate()
	g.lastRate[s.Cohort] = rate
	if rate > g.cfg.BurnRateThreshold {
		g.consecutive[s.Cohort]++
	} else {
		g.consecutive[s.Cohort] = 0
	}
}

// breached returns the failing cohort, if any. With several failing cohorts
// the longest streak is reported.
func (g *healthGate) breached() *Breach {
	var worst *Breach
	for cohort, streak := range g.consecutive {
		if streak < g.cfg.ConsecutiveBreaches {
			continue
		}
		if worst == nil || streak > worst.Consecutive {
			worst = &Breach{Cohort: cohort, BurnRate: g.lastRate[cohort], Consecutive: streak}
		}
	}
	return worst
}

// reset clears streaks, used when a new soak begins.
func (g *healthGate) reset() {
	g.consecutive = make(map[string]int)
	g.lastRate = make(map[string]float64)
}

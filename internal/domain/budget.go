package domain

import "time"

// ExhaustReason identifies which budget axis ran out.
type ExhaustReason string

const (
	ExhaustSteps  ExhaustReason = "steps"
	ExhaustTokens ExhaustReason = "tokens"
	ExhaustCost   ExhaustReason = "cost"
	ExhaustTime   ExhaustReason = "time"
)

// Budget is pure per-job accounting over a job snapshot. Charge reserves
// increments in memory only; the durable counterpart goes through the store's
// budget update, and the agent loop keeps the two in sync by charging here
// first and persisting before acting on the result.
type Budget struct {
	caps      Caps
	usage     Usage
	startedAt time.Time
	wallClock time.Duration
	now       func() time.Time
}

// NewBudget snapshots the job's caps, usage and start time. wallClock is the
// per-mode wall-clock limit; zero disables the time axis.
func NewBudget(job *Job, wallClock time.Duration) *Budget {
	b := &Budget{
		caps:      job.Caps,
		usage:     job.Usage,
		wallClock: wallClock,
		now:       time.Now,
	}
	if job.StartedAt != nil {
		b.startedAt = *job.StartedAt
	}
	return b
}

// Charge applies monotone increments to the in-memory counters. Counters
// saturate at their caps so the cap invariant holds even when the final step
// of a job overshoots; the store applies the same saturation durably.
func (b *Budget) Charge(steps, tokens, costCents int) error {
	if steps < 0 || tokens < 0 || costCents < 0 {
		return ErrNegativeCharge
	}
	b.usage.StepsUsed = min(b.usage.StepsUsed+steps, b.caps.StepCap)
	b.usage.TokensUsed = min(b.usage.TokensUsed+tokens, b.caps.TokenCap)
	b.usage.CostUsedCents = min(b.usage.CostUsedCents+costCents, b.caps.CostCapCents)
	return nil
}

// Usage returns the current in-memory counters.
func (b *Budget) Usage() Usage {
	return b.usage
}

// Exhausted reports the first spent axis, checked in the order steps, tokens,
// cost, time. The predicate is `used >= cap`, so a zero cap exhausts on the
// very first check.
func (b *Budget) Exhausted() (ExhaustReason, bool) {
	return b.exhaustedAt(b.now())
}

func (b *Budget) exhaustedAt(now time.Time) (ExhaustReason, bool) {
	if b.usage.StepsUsed >= b.caps.StepCap {
		return ExhaustSteps, true
	}
	if b.usage.TokensUsed >= b.caps.TokenCap {
		return ExhaustTokens, true
	}
	if b.usage.CostUsedCents >= b.caps.CostCapCents {
		return ExhaustCost, true
	}
	if b.wallClock > 0 && !b.startedAt.IsZero() && now.Sub(b.startedAt) > b.wallClock {
		return ExhaustTime, true
	}
	return "", false
}

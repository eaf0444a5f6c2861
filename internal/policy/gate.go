package policy

import (
	"fmt"

	"github.com/gantrylab/gantry/internal/domain"
)

// FootprintLimit caps the declared change size a mode may attempt in a
// single call.
type FootprintLimit struct {
	MaxFiles int
	MaxLines int
}

// Violation explains why the gate rejected a call. It is recorded on
// the job ledger as a failed tool result.
type Violation struct {
	Rule       string     `json:"rule"`
	Detail     string     `json:"detail"`
	Assessment Assessment `json:"assessment"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", v.Rule, v.Detail)
}

// Gate admits or rejects mutating tool calls for a mode. Read-only
// calls never pass through the gate.
type Gate struct {
	calc     *Calculator
	limits   map[domain.Mode]FootprintLimit
	ceilings map[domain.Mode]RiskLevel
}

// NewGate returns a gate with the default calculator, the per-mode
// footprint limits, and the per-mode risk ceilings.
func NewGate() *Gate {
	return &Gate{
		calc: NewCalculator(),
		limits: map[domain.Mode]FootprintLimit{
			domain.ModeMechanic: {MaxFiles: 5, MaxLines: 200},
			domain.ModeGenius:   {MaxFiles: 20, MaxLines: 1000},
		},
		ceilings: map[domain.Mode]RiskLevel{
			domain.ModeMechanic: RiskMedium,
			domain.ModeGenius:   RiskHigh,
		},
	}
}

// Check scores the call and returns a Violation when the mode's
// footprint limit or risk ceiling is exceeded. A nil return admits the
// call.
func (g *Gate) Check(mode domain.Mode, in Input) *Violation {
	assessment := g.calc.Score(in)

	limit, ok := g.limits[mode]
	if !ok {
		return &Violation{
			Rule:       "unknown_mode",
			Detail:     fmt.Sprintf("no policy configured for mode %q", mode),
			Assessment: assessment,
		}
	}

	if in.Files > limit.MaxFiles {
		return &Violation{
			Rule:       "footprint_files",
			Detail:     fmt.Sprintf("%d files exceeds the %s limit of %d", in.Files, mode, limit.MaxFiles),
			Assessment: assessment,
		}
	}
	if in.Lines > limit.MaxLines {
		return &Violation{
			Rule:       "footprint_lines",
			Detail:     fmt.Sprintf("%d lines exceeds the %s limit of %d", in.Lines, mode, limit.MaxLines),
			Assessment: assessment,
		}
	}

	if assessment.Level > g.ceilings[mode] {
		return &Violation{
			Rule:       "risk_ceiling",
			Detail:     fmt.Sprintf("risk %s (score %d) exceeds the %s ceiling of %s", assessment.Level, assessment.Score, mode, g.ceilings[mode]),
			Assessment: assessment,
		}
	}

	return nil
}

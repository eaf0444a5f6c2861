// Package policy gates mutating tool calls before the agent loop
// executes them. Each call is scored from its declared footprint and
// risk hints; the gate combines the score with per-mode footprint
// limits to admit or reject the call.
package policy

import "fmt"

// RiskLevel classifies a scored tool call.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// LevelFromScore maps a 0-100 score onto a risk level.
func LevelFromScore(score int) RiskLevel {
	switch {
	case score <= 30:
		return RiskLow
	case score <= 60:
		return RiskMedium
	case score <= 80:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func (l RiskLevel) String() string {
	switch l {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return fmt.Sprintf("risklevel(%d)", int(l))
	}
}

// RequiresApproval reports whether a call at this level needs a human
// in the loop before it may run.
func (l RiskLevel) RequiresApproval() bool {
	return l >= RiskHigh
}

// Factor is one contribution to a risk score.
type Factor struct {
	Name   string `json:"name"`
	Impact int    `json:"impact"`
	Detail string `json:"detail"`
}

// Assessment is the scored result for a single tool call.
type Assessment struct {
	Score   int       `json:"score"`
	Level   RiskLevel `json:"-"`
	Factors []Factor  `json:"factors,omitempty"`
}

// Input describes the mutating call to be scored.
type Input struct {
	// Tool is the registered tool name; unknown names score at
	// DefaultToolWeight.
	Tool string
	// Files and Lines are the declared change footprint.
	Files int
	Lines int
	// Destructive marks calls that delete code or files.
	Destructive bool
	// Paths are the repo-relative paths the call intends to touch.
	Paths []string
}

// Calculator scores mutating tool calls. The zero value is not usable;
// construct one with NewCalculator.
type Calculator struct {
	toolWeights     map[string]int
	fileThresholds  []threshold
	lineThresholds  []threshold
	destructivePen  int
	protectedPen    int
	protectedPrefix []string
}

type threshold struct {
	atLeast int
	impact  int
}

// DefaultToolWeight applies to tools without an entry in the weight
// table.
const DefaultToolWeight = 30

// NewCalculator returns a calculator with the default weight table and
// thresholds.
func NewCalculator() *Calculator {
	return &Calculator{
		toolWeights: map[string]int{
			"read_file":   0,
			"list_dir":    0,
			"search_code": 0,
			"run_tests":   10,
			"run_lint":    10,
			"write_file":  15,
			"apply_patch": 20,
			"rename_file": 25,
			"delete_file": 60,
		},
		fileThresholds: []threshold{
			{atLeast: 1, impact: 5},
			{atLeast: 5, impact: 15},
			{atLeast: 10, impact: 25},
			{atLeast: 20, impact: 35},
		},
		lineThresholds: []threshold{
			{atLeast: 10, impact: 5},
			{atLeast: 50, impact: 10},
			{atLeast: 200, impact: 20},
			{atLeast: 500, impact: 30},
		},
		destructivePen: 20,
		protectedPen:   15,
		protectedPrefix: []string{
			".git/",
			".github/workflows/",
			".env",
		},
	}
}

// Score computes the risk assessment for a call. The total saturates
// at 100.
func (c *Calculator) Score(in Input) Assessment {
	var factors []Factor

	weight, ok := c.toolWeights[in.Tool]
	if !ok {
		weight = DefaultToolWeight
	}
	if weight > 0 {
		factors = append(factors, Factor{
			Name:   "tool",
			Impact: weight,
			Detail: fmt.Sprintf("base weight for %s", in.Tool),
		})
	}

	if f := scaledFactor("files", in.Files, c.fileThresholds); f != nil {
		factors = append(factors, *f)
	}
	if f := scaledFactor("lines", in.Lines, c.lineThresholds); f != nil {
		factors = append(factors, *f)
	}

	if in.Destructive {
		factors = append(factors, Factor{
			Name:   "destructive",
			Impact: c.destructivePen,
			Detail: "call deletes code or files",
		})
	}

	if path := c.protectedPath(in.Paths); path != "" {
		factors = append(factors, Factor{
			Name:   "protected_path",
			Impact: c.protectedPen,
			Detail: fmt.Sprintf("touches protected path %s", path),
		})
	}

	score := 0
	for _, f := range factors {
		score += f.Impact
	}
	if score > 100 {
		score = 100
	}

	return Assessment{Score: score, Level: LevelFromScore(score), Factors: factors}
}

func (c *Calculator) protectedPath(paths []string) string {
	for _, p := range paths {
		for _, prefix := range c.protectedPrefix {
			if len(p) >= len(prefix) && p[:len(prefix)] == prefix {
				return p
			}
		}
	}
	return ""
}

// scaledFactor returns the highest threshold factor the count reaches,
// or nil below the first threshold.
func scaledFactor(name string, count int, thresholds []threshold) *Factor {
	var out *Factor
	for _, t := range thresholds {
		if count >= t.atLeast {
			out = &Factor{
				Name:   name,
				Impact: t.impact,
				Detail: fmt.Sprintf("%d %s affected", count, name),
			}
		}
	}
	return out
}

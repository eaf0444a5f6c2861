// Package quality evaluates a finished job against a per-mode profile
// and produces a verdict that is recorded on the ledger. A BLOCK
// verdict does not undo the work; it downgrades the outcome so a human
// reviews it.
package quality

import (
	"fmt"
	"strings"

	"github.com/gantrylab/gantry/internal/domain"
)

// CheckStatus is the result of a single check.
type CheckStatus string

const (
	StatusOk   CheckStatus = "ok"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

// Verdict is the aggregate outcome of all checks.
type Verdict string

const (
	VerdictOK    Verdict = "OK"
	VerdictWarn  Verdict = "WARN"
	VerdictBlock Verdict = "BLOCK"
)

// Check is one evaluated rule. Impact is the (negative) score
// contribution.
type Check struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
	Impact  int         `json:"impact"`
}

// TestResults summarizes verification tool runs observed during the
// job.
type TestResults struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// LintResults summarizes lint tool runs observed during the job.
type LintResults struct {
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
}

// ChangeStats summarizes the code change the job produced.
type ChangeStats struct {
	FilesChanged int `json:"files_changed"`
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// BudgetSnapshot carries the job's caps and usage at evaluation time.
type BudgetSnapshot struct {
	Caps  domain.Caps  `json:"caps"`
	Usage domain.Usage `json:"usage"`
}

// RunReport aggregates everything the agent loop observed while
// working a job. Nil sections were not observed.
type RunReport struct {
	Tests   *TestResults    `json:"tests,omitempty"`
	Lint    *LintResults    `json:"lint,omitempty"`
	Changes *ChangeStats    `json:"changes,omitempty"`
	Budget  *BudgetSnapshot `json:"budget,omitempty"`
}

// Evaluation is the gate's output, serialized into the evaluation
// ledger event.
type Evaluation struct {
	Verdict Verdict `json:"verdict"`
	Score   int     `json:"score"`
	Checks  []Check `json:"checks"`
	Profile string  `json:"profile"`
	Summary string  `json:"summary"`
}

// Profile holds the thresholds a mode is held to. Zero MaxFiles or
// MaxLines means unlimited.
type Profile struct {
	Name            string
	RequireTests    bool
	MaxTestFailures int
	RequireLint     bool
	MaxLintErrors   int
	MaxLintWarnings int
	MaxFiles        int
	MaxLines        int
}

// MechanicProfile is the strict profile: zero tolerance on tests and
// lint errors, small change surface.
func MechanicProfile() Profile {
	return Profile{
		Name:            "mechanic@1.0",
		RequireTests:    true,
		MaxTestFailures: 0,
		RequireLint:     true,
		MaxLintErrors:   0,
		MaxLintWarnings: 10,
		MaxFiles:        5,
		MaxLines:        200,
	}
}

// GeniusProfile relaxes lint and change-size limits but still requires
// passing tests.
func GeniusProfile() Profile {
	return Profile{
		Name:            "genius@1.0",
		RequireTests:    true,
		MaxTestFailures: 0,
		RequireLint:     true,
		MaxLintErrors:   5,
		MaxLintWarnings: 50,
	}
}

// ProfileFor returns the profile for a mode, defaulting to the strict
// one.
func ProfileFor(mode domain.Mode) Profile {
	if mode == domain.ModeGenius {
		return GeniusProfile()
	}
	return MechanicProfile()
}

// Gate evaluates run reports against one profile.
type Gate struct {
	profile Profile
}

// NewGate returns a gate holding the given profile.
func NewGate(profile Profile) *Gate {
	return &Gate{profile: profile}
}

// GateFor returns a gate holding the profile for the mode.
func GateFor(mode domain.Mode) *Gate {
	return NewGate(ProfileFor(mode))
}

// Evaluate runs every applicable check and derives the verdict: any
// failing check blocks, any warning downgrades to WARN.
func (g *Gate) Evaluate(report RunReport) Evaluation {
	var checks []Check
	score := 100

	add := func(c Check) {
		checks = append(checks, c)
		score += c.Impact
	}

	if g.profile.RequireTests {
		switch {
		case report.Tests == nil:
			add(Check{
				Name:    "tests_pass",
				Status:  StatusWarn,
				Message: "no test results recorded",
				Impact:  -15,
			})
		case report.Tests.Failed > g.profile.MaxTestFailures:
			add(Check{
				Name:    "tests_pass",
				Status:  StatusFail,
				Message: fmt.Sprintf("%d tests failed (max allowed %d)", report.Tests.Failed, g.profile.MaxTestFailures),
				Impact:  -30,
			})
		default:
			add(Check{
				Name:    "tests_pass",
				Status:  StatusOk,
				Message: fmt.Sprintf("%d passed, %d failed", report.Tests.Passed, report.Tests.Failed),
			})
		}
	}

	if g.profile.RequireLint && report.Lint != nil {
		switch {
		case report.Lint.Errors > g.profile.MaxLintErrors:
			add(Check{
				Name:    "lint_clean",
				Status:  StatusFail,
				Message: fmt.Sprintf("%d lint errors (max allowed %d)", report.Lint.Errors, g.profile.MaxLintErrors),
				Impact:  -20,
			})
		case report.Lint.Warnings > g.profile.MaxLintWarnings:
			add(Check{
				Name:    "lint_clean",
				Status:  StatusWarn,
				Message: fmt.Sprintf("%d lint warnings (max allowed %d)", report.Lint.Warnings, g.profile.MaxLintWarnings),
				Impact:  -5,
			})
		default:
			add(Check{
				Name:    "lint_clean",
				Status:  StatusOk,
				Message: fmt.Sprintf("%d errors, %d warnings", report.Lint.Errors, report.Lint.Warnings),
			})
		}
	}

	if report.Changes != nil {
		if g.profile.MaxFiles > 0 {
			if report.Changes.FilesChanged > g.profile.MaxFiles {
				add(Check{
					Name:    "file_limit",
					Status:  StatusFail,
					Message: fmt.Sprintf("%d files changed (max allowed %d)", report.Changes.FilesChanged, g.profile.MaxFiles),
					Impact:  -25,
				})
			} else {
				add(Check{
					Name:    "file_limit",
					Status:  StatusOk,
					Message: fmt.Sprintf("%d/%d files", report.Changes.FilesChanged, g.profile.MaxFiles),
				})
			}
		}
		if g.profile.MaxLines > 0 {
			total := report.Changes.LinesAdded + report.Changes.LinesRemoved
			if total > g.profile.MaxLines {
				add(Check{
					Name:    "line_limit",
					Status:  StatusFail,
					Message: fmt.Sprintf("%d lines changed (max allowed %d)", total, g.profile.MaxLines),
					Impact:  -25,
				})
			} else {
				add(Check{
					Name:    "line_limit",
					Status:  StatusOk,
					Message: fmt.Sprintf("%d/%d lines", total, g.profile.MaxLines),
				})
			}
		}
	}

	if report.Budget != nil {
		for _, c := range headroomChecks(report.Budget) {
			add(c)
		}
	}

	if score < 0 {
		score = 0
	}

	verdict := VerdictOK
	for _, c := range checks {
		if c.Status == StatusFail {
			verdict = VerdictBlock
			break
		}
		if c.Status == StatusWarn {
			verdict = VerdictWarn
		}
	}

	return Evaluation{
		Verdict: verdict,
		Score:   score,
		Checks:  checks,
		Profile: g.profile.Name,
		Summary: summarize(verdict, checks),
	}
}

// headroomChecks warns when a budget axis is at 90% or more of its
// cap. Axes with no cap are skipped.
func headroomChecks(b *BudgetSnapshot) []Check {
	var out []Check
	axes := []struct {
		name string
		used int
		cap  int
	}{
		{"step_budget", b.Usage.StepsUsed, b.Caps.StepCap},
		{"token_budget", b.Usage.TokensUsed, b.Caps.TokenCap},
		{"cost_budget", b.Usage.CostUsedCents, b.Caps.CostCapCents},
	}
	for _, a := range axes {
		if a.cap <= 0 {
			continue
		}
		if a.used*10 >= a.cap*9 {
			out = append(out, Check{
				Name:    a.name,
				Status:  StatusWarn,
				Message: fmt.Sprintf("%d of %d used", a.used, a.cap),
				Impact:  -10,
			})
		}
	}
	return out
}

func summarize(verdict Verdict, checks []Check) string {
	names := func(status CheckStatus) string {
		var out []string
		for _, c := range checks {
			if c.Status == status {
				out = append(out, c.Name)
			}
		}
		return strings.Join(out, ", ")
	}
	switch verdict {
	case VerdictBlock:
		return "blocked: " + names(StatusFail)
	case VerdictWarn:
		return "passed with warnings: " + names(StatusWarn)
	default:
		return "all checks passed"
	}
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gantrylab/gantry/internal/quality"
)

// Tool registry errors.
var (
	// ErrToolNameRequired indicates a tool with an empty name.
	ErrToolNameRequired = errors.New("tool name is required")

	// ErrToolAlreadyRegistered indicates a duplicate registration.
	ErrToolAlreadyRegistered = errors.New("tool already registered")
)

// Category separates tools that only observe the working copy from
// tools that change it. Only mutating tools pass through the policy
// gate.
type Category string

const (
	CategoryReadOnly Category = "read_only"
	CategoryMutating Category = "mutating"
)

// CostHint is the tool's declared expense class.
type CostHint string

const (
	CostCheap     CostHint = "cheap"
	CostModerate  CostHint = "moderate"
	CostExpensive CostHint = "expensive"
)

// RiskHint is the tool's declared blast radius.
type RiskHint string

const (
	RiskSafe        RiskHint = "safe"
	RiskReversible  RiskHint = "reversible"
	RiskDestructive RiskHint = "destructive"
)

// Footprint is a tool's declared pre-flight change size.
type Footprint struct {
	Files int `json:"files"`
	Lines int `json:"lines"`
}

// Descriptor carries the attributes the loop consults; it never looks
// inside a tool.
type Descriptor struct {
	Name         string          `json:"name"`
	Category     Category        `json:"category"`
	CostHint     CostHint        `json:"cost_hint"`
	RiskHint     RiskHint        `json:"risk_hint"`
	ParamsSchema json.RawMessage `json:"params_schema,omitempty"`
	ResultSchema json.RawMessage `json:"result_schema,omitempty"`

	// Verifier marks tools whose results judge the work itself (test
	// runners, linters). Their failures drive the escalation rule.
	Verifier bool `json:"verifier,omitempty"`

	// Recoverable means execution errors are recorded and the loop
	// continues; otherwise a failing call fails the job.
	Recoverable bool `json:"recoverable,omitempty"`

	// Footprint is the declared change size for mutating tools.
	Footprint *Footprint `json:"footprint,omitempty"`
}

// Result is a completed tool execution. Failed reports that the tool
// ran but judged the work bad (verifiers); execution errors are
// returned by Execute instead.
type Result struct {
	Payload json.RawMessage
	Failed  bool

	TokensUsed int
	CostCents  int

	// Observations feeding the quality gate; nil when the tool has
	// nothing to report.
	Tests   *quality.TestResults
	Lint    *quality.LintResults
	Changes *quality.ChangeStats
}

// Tool is an opaque effect-producing function keyed by name. Execution
// receives the job's working copy and the planner-chosen params.
type Tool interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, repoPath string, params json.RawMessage) (Result, error)
}

// Keyer is an optional tool interface: tools owning their idempotency
// derive a stable key from the call params.
type Keyer interface {
	IdempotencyKey(params json.RawMessage) string
}

// PathLister is an optional tool interface: mutating tools that can
// name the paths a call touches let the policy gate check protected
// prefixes.
type PathLister interface {
	TouchedPaths(params json.RawMessage) []string
}

// Registry holds the tool catalog handed to the planner.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t Tool) error {
	name := t.Descriptor().Name
	if name == "" {
		return ErrToolNameRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, name)
	}
	r.tools[name] = t
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Catalog returns every descriptor sorted by name, for the planner.
func (r *Registry) Catalog() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

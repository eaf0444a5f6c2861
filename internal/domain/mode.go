package domain

import (
	"fmt"
	"strings"
)

// Mode selects the worker pool a job belongs to. It also determines the
// default caps and the mutation footprint limits applied to the job.
// Mode isolation is absolute: a worker of one mode never claims a job of the
// other.
type Mode string

const (
	// ModeMechanic is the lightweight tier: small fixes, tight caps.
	ModeMechanic Mode = "mechanic"

	// ModeGenius is the heavy tier: larger changes, generous caps.
	ModeGenius Mode = "genius"
)

// NewMode validates and creates a Mode.
func NewMode(s string) (Mode, error) {
	mode := Mode(strings.ToLower(s))

	switch mode {
	case ModeMechanic, ModeGenius:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidMode, s)
	}
}

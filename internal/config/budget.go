package config

import (
	"time"

	"github.com/gantrylab/gantry/internal/domain"
)

// Default caps per mode. Producers can override any cap at job creation; these
// fill the gaps.
const (
	DefaultMechanicStepCap      = 20
	DefaultMechanicTokenCap     = 50000
	DefaultMechanicCostCapCents = 500
	DefaultMechanicWallClock    = 60 * time.Second

	DefaultGeniusStepCap      = 50
	DefaultGeniusTokenCap     = 200000
	DefaultGeniusCostCapCents = 2000
	DefaultGeniusWallClock    = 300 * time.Second
)

// BudgetConfig holds the per-mode default caps and wall clocks.
type BudgetConfig struct {
	MechanicStepCap      int           `env:"GANTRY_MECHANIC_STEP_CAP"`
	MechanicTokenCap     int           `env:"GANTRY_MECHANIC_TOKEN_CAP"`
	MechanicCostCapCents int           `env:"GANTRY_MECHANIC_COST_CAP_CENTS"`
	MechanicWallClock    time.Duration `env:"GANTRY_MECHANIC_WALL_CLOCK"`

	GeniusStepCap      int           `env:"GANTRY_GENIUS_STEP_CAP"`
	GeniusTokenCap     int           `env:"GANTRY_GENIUS_TOKEN_CAP"`
	GeniusCostCapCents int           `env:"GANTRY_GENIUS_COST_CAP_CENTS"`
	GeniusWallClock    time.Duration `env:"GANTRY_GENIUS_WALL_CLOCK"`
}

// Validate fills unset values with the mode defaults.
func (c *BudgetConfig) Validate() error {
	if c.MechanicStepCap <= 0 {
		c.MechanicStepCap = DefaultMechanicStepCap
	}
	if c.MechanicTokenCap <= 0 {
		c.MechanicTokenCap = DefaultMechanicTokenCap
	}
	if c.MechanicCostCapCents <= 0 {
		c.MechanicCostCapCents = DefaultMechanicCostCapCents
	}
	if c.MechanicWallClock <= 0 {
		c.MechanicWallClock = DefaultMechanicWallClock
	}
	if c.GeniusStepCap <= 0 {
		c.GeniusStepCap = DefaultGeniusStepCap
	}
	if c.GeniusTokenCap <= 0 {
		c.GeniusTokenCap = DefaultGeniusTokenCap
	}
	if c.GeniusCostCapCents <= 0 {
		c.GeniusCostCapCents = DefaultGeniusCostCapCents
	}
	if c.GeniusWallClock <= 0 {
		c.GeniusWallClock = DefaultGeniusWallClock
	}
	return nil
}

// CapsFor returns the default caps for the given mode.
func (c *BudgetConfig) CapsFor(mode domain.Mode) domain.Caps {
	if mode == domain.ModeGenius {
		return domain.Caps{
			StepCap:      c.GeniusStepCap,
			TokenCap:     c.GeniusTokenCap,
			CostCapCents: c.GeniusCostCapCents,
		}
	}
	return domain.Caps{
		StepCap:      c.MechanicStepCap,
		TokenCap:     c.MechanicTokenCap,
		CostCapCents: c.MechanicCostCapCents,
	}
}

// WallClockFor returns the per-mode wall-clock limit.
func (c *BudgetConfig) WallClockFor(mode domain.Mode) time.Duration {
	if mode == domain.ModeGenius {
		return c.GeniusWallClock
	}
	return c.MechanicWallClock
}

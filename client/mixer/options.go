// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mixer

import (
	"fmt"
	"sync"
)

// Option bounds and defaults.
const (
	DefaultSessions = 4
	MinSessions     = 1
	MaxSessions     = 10

	DefaultRounds = 4
	MinRounds     = 2
	MaxRounds     = 16

	// Amounts are in whole coins.
	DefaultAmount = 1000
	MinAmount     = 2
	MaxAmount     = 21000000

	DefaultDenomsGoal = 50
	MinDenomsGoal     = 10
	MaxDenomsGoal     = 100000

	DefaultDenomsHardcap = 300
	MinDenomsHardcap     = 10
	MaxDenomsHardcap     = 100000
)

// OptionsConfig is a snapshot of the mixing options.
type OptionsConfig struct {
	Enabled       bool
	MultiSession  bool
	Sessions      int
	Rounds        int
	Amount        uint64
	DenomsGoal    int
	DenomsHardcap int
}

// DefaultOptionsConfig is the default mixing configuration. Mixing is
// enabled.
func DefaultOptionsConfig() *OptionsConfig {
	return &OptionsConfig{
		Enabled:       true,
		Sessions:      DefaultSessions,
		Rounds:        DefaultRounds,
		Amount:        DefaultAmount,
		DenomsGoal:    DefaultDenomsGoal,
		DenomsHardcap: DefaultDenomsHardcap,
	}
}

// Validate checks the bounds of every option.
func (c *OptionsConfig) Validate() error {
	switch {
	case c.Sessions < MinSessions || c.Sessions > MaxSessions:
		return fmt.Errorf("sessions %d out of range [%d, %d]", c.Sessions, MinSessions, MaxSessions)
	case c.Rounds < MinRounds || c.Rounds > MaxRounds:
		return fmt.Errorf("rounds %d out of range [%d, %d]", c.Rounds, MinRounds, MaxRounds)
	case c.Amount < MinAmount || c.Amount > MaxAmount:
		return fmt.Errorf("amount %d out of range [%d, %d]", c.Amount, MinAmount, MaxAmount)
	case c.DenomsGoal < MinDenomsGoal || c.DenomsGoal > MaxDenomsGoal:
		return fmt.Errorf("denoms goal %d out of range [%d, %d]", c.DenomsGoal, MinDenomsGoal, MaxDenomsGoal)
	case c.DenomsHardcap < MinDenomsHardcap || c.DenomsHardcap > MaxDenomsHardcap:
		return fmt.Errorf("denoms hardcap %d out of range [%d, %d]", c.DenomsHardcap, MinDenomsHardcap, MaxDenomsHardcap)
	case c.DenomsGoal > c.DenomsHardcap:
		return fmt.Errorf("denoms goal %d exceeds hardcap %d", c.DenomsGoal, c.DenomsHardcap)
	}
	return nil
}

// Options is the node's mixing configuration. One Options is shared by
// pointer between the WalletManager, every Manager and every session, and is
// read at session decision points. It is mutated only at startup and through
// explicit control operations.
type Options struct {
	mtx     sync.RWMutex
	cfg     OptionsConfig
	failure error
}

// NewOptions validates the configuration and creates the Options.
func NewOptions(cfg *OptionsConfig) (*Options, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Options{cfg: *cfg}, nil
}

// Config returns a snapshot of the options.
func (o *Options) Config() OptionsConfig {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	return o.cfg
}

// Enabled is true if mixing is enabled.
func (o *Options) Enabled() bool {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	return o.cfg.Enabled
}

// SetEnabled enables or disables mixing. An internal failure recorded with
// Disable is cleared when mixing is enabled.
func (o *Options) SetEnabled(enabled bool) {
	o.mtx.Lock()
	o.cfg.Enabled = enabled
	if enabled {
		o.failure = nil
	}
	o.mtx.Unlock()
}

// Disable turns mixing off because of an internal failure.
func (o *Options) Disable(err error) {
	o.mtx.Lock()
	o.cfg.Enabled = false
	o.failure = err
	o.mtx.Unlock()
}

// Failure is the internal failure that disabled mixing, if any.
func (o *Options) Failure() error {
	o.mtx.RLock()
	defer o.mtx.RUnlock()
	return o.failure
}

// SetMultiSession allows or disallows concurrent sessions.
func (o *Options) SetMultiSession(multi bool) {
	o.mtx.Lock()
	o.cfg.MultiSession = multi
	o.mtx.Unlock()
}

// Update validates and applies a full configuration. The enabled state is
// not changed.
func (o *Options) Update(cfg *OptionsConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.mtx.Lock()
	enabled := o.cfg.Enabled
	o.cfg = *cfg
	o.cfg.Enabled = enabled
	o.mtx.Unlock()
	return nil
}

// SessionLimit is the maximum number of concurrent sessions per wallet.
func (c OptionsConfig) SessionLimit() int {
	if !c.MultiSession {
		return 1
	}
	return c.Sessions
}

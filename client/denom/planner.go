// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package denom decides which standard denominations a wallet still needs
// for mixing. Everything here is a pure function of the wallet's unspent
// outputs and the mixing options.
package denom

import (
	"fmt"
	"sort"

	"decred.org/coinjoin/cj"
	"github.com/decred/dcrd/wire"
)

// Kind classifies an unspent output.
type Kind uint8

const (
	NonDenominated Kind = iota
	Denominated
	Collateral
)

// String returns the name of the Kind.
func (k Kind) String() string {
	switch k {
	case Denominated:
		return "denominated"
	case Collateral:
		return "collateral"
	}
	return "non-denominated"
}

// Classify returns the Kind of an output with the given amount.
func Classify(amt uint64) Kind {
	switch {
	case cj.IsDenominatedAmount(amt):
		return Denominated
	case cj.IsCollateralAmount(amt):
		return Collateral
	}
	return NonDenominated
}

// Input is a wallet unspent output.
type Input struct {
	OutPoint wire.OutPoint
	Amount   uint64
	Kind     Kind
	// Rounds is the number of completed mixing rounds the funds passed through.
	Rounds int
}

// NewInput creates an Input, classifying the amount.
func NewInput(op wire.OutPoint, amt uint64, rounds int) *Input {
	return &Input{
		OutPoint: op,
		Amount:   amt,
		Kind:     Classify(amt),
		Rounds:   rounds,
	}
}

// Denom is the denomination of the input, or DenomNone.
func (in *Input) Denom() cj.Denomination {
	if in.Kind != Denominated {
		return cj.DenomNone
	}
	return cj.AmountToDenomination(in.Amount)
}

// Config is the subset of the mixing options used by the planner.
type Config struct {
	// Goal is the number of fully mixed inputs wanted per denomination.
	Goal int
	// Hardcap is the maximum number of inputs per denomination.
	Hardcap int
	// MaxRounds is the number of rounds after which funds are fully mixed.
	MaxRounds int
	// Target is the amount, in atoms, to keep mixed.
	Target uint64
}

// Plan is the result of the planner.
type Plan struct {
	// Needed are the denominations to open sessions for, fewest mixed first,
	// then largest amount first.
	Needed []cj.Denomination
	// Create is the number of new outputs of each denomination to create from
	// non-denominated funds.
	Create map[cj.Denomination]int
	// CreateCollateral is true if a collateral output should be created.
	CreateCollateral bool

	MixedBalance       uint64
	DenominatedBalance uint64
	NonDenomBalance    uint64
	HaveCollateral     bool
	// Complete is true if the mixed balance has reached the target.
	Complete bool
}

// Empty is true if there is nothing to do.
func (p *Plan) Empty() bool {
	return len(p.Needed) == 0 && len(p.Create) == 0 && !p.CreateCollateral
}

// CreateAmount is the total value of the outputs to create.
func (p *Plan) CreateAmount() uint64 {
	var sum uint64
	for d, n := range p.Create {
		sum += d.Amount() * uint64(n)
	}
	if p.CreateCollateral {
		sum += cj.CollateralAmount
	}
	return sum
}

// String is a short summary for logging.
func (p *Plan) String() string {
	return fmt.Sprintf("plan{needed=%v, create=%v, collateral=%t, mixed=%d, complete=%t}",
		p.Needed, p.Create, p.CreateCollateral, p.MixedBalance, p.Complete)
}

type denomStats struct {
	count, mixed, unmixed int
}

// Compute produces the denomination plan for the inputs. An empty plan with
// Complete set is returned when the mixed balance has reached the target.
// cj.ErrInsufficientFunds is returned when the wallet cannot supply both the
// smallest denomination and a collateral.
func Compute(inputs []*Input, cfg *Config) (*Plan, error) {
	plan := &Plan{Create: make(map[cj.Denomination]int)}
	stats := make(map[cj.Denomination]*denomStats, len(cj.StandardDenominations))
	for _, d := range cj.StandardDenominations {
		stats[d] = new(denomStats)
	}

	var unmixedBalance uint64
	for _, in := range inputs {
		switch in.Kind {
		case Denominated:
			d := in.Denom()
			st := stats[d]
			if st == nil {
				continue
			}
			st.count++
			plan.DenominatedBalance += in.Amount
			if in.Rounds >= cfg.MaxRounds {
				st.mixed++
				plan.MixedBalance += in.Amount
			} else {
				st.unmixed++
				unmixedBalance += in.Amount
			}
		case Collateral:
			plan.HaveCollateral = true
		default:
			plan.NonDenomBalance += in.Amount
		}
	}

	if plan.MixedBalance >= cfg.Target {
		plan.Complete = true
		return plan, nil
	}

	smallest := cj.SmallestDenomination.Amount()
	var collateralCost uint64
	if !plan.HaveCollateral {
		collateralCost = cj.CollateralAmount
	}
	switch {
	case unmixedBalance == 0 && plan.NonDenomBalance < smallest+collateralCost:
		return nil, cj.NewError(cj.ErrInsufficientFunds, fmt.Sprintf("%d atoms available, need %d",
			plan.NonDenomBalance, smallest+collateralCost))
	case plan.NonDenomBalance < collateralCost:
		return nil, cj.NewError(cj.ErrInsufficientFunds, "no collateral available")
	}

	remaining := cfg.Target - plan.MixedBalance
	goalCap := min(cfg.Goal, cfg.Hardcap)

	for _, d := range cj.StandardDenominations {
		st := stats[d]
		if d.Amount() > remaining && d != cj.SmallestDenomination {
			continue
		}
		if st.mixed >= cfg.Goal {
			continue
		}
		if st.unmixed > 0 || st.count < cfg.Hardcap {
			plan.Needed = append(plan.Needed, d)
		}
	}
	sort.SliceStable(plan.Needed, func(i, j int) bool {
		mi, mj := stats[plan.Needed[i]].mixed, stats[plan.Needed[j]].mixed
		if mi != mj {
			return mi < mj
		}
		return plan.Needed[i].Amount() > plan.Needed[j].Amount()
	})

	// Funds for new denominations come from the non-denominated balance, less
	// a collateral if one must be created, and are limited to what is still
	// needed to reach the target.
	budget := plan.NonDenomBalance - collateralCost
	plan.CreateCollateral = collateralCost > 0
	var toTarget uint64
	if remaining > unmixedBalance {
		toTarget = remaining - unmixedBalance
	}
	budget = min(budget, max(toTarget, smallest))
	for _, d := range cj.StandardDenominations {
		st := stats[d]
		want := goalCap - st.count
		if want <= 0 || !hasDenom(plan.Needed, d) {
			continue
		}
		amt := d.Amount()
		n := min(uint64(want), budget/amt)
		if n == 0 {
			continue
		}
		plan.Create[d] = int(n)
		budget -= n * amt
	}
	return plan, nil
}

// Candidates returns the inputs of the denomination that have not reached
// maxRounds, fewest rounds first.
func Candidates(inputs []*Input, d cj.Denomination, maxRounds int) []*Input {
	cands := make([]*Input, 0, len(inputs))
	for _, in := range inputs {
		if in.Kind == Denominated && in.Denom() == d && in.Rounds < maxRounds {
			cands = append(cands, in)
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Rounds < cands[j].Rounds
	})
	return cands
}

// Collaterals returns the collateral inputs, smallest first.
func Collaterals(inputs []*Input) []*Input {
	cols := make([]*Input, 0, 2)
	for _, in := range inputs {
		if in.Kind == Collateral {
			cols = append(cols, in)
		}
	}
	sort.SliceStable(cols, func(i, j int) bool {
		return cols[i].Amount < cols[j].Amount
	})
	return cols
}

// Available reports which denominations have at least one input that can
// still be mixed.
func Available(inputs []*Input, maxRounds int) cj.Denomination {
	var avail cj.Denomination
	for _, in := range inputs {
		if in.Kind == Denominated && in.Rounds < maxRounds {
			avail |= in.Denom()
		}
	}
	return avail
}

func hasDenom(ds []cj.Denomination, d cj.Denomination) bool {
	for _, dd := range ds {
		if dd == d {
			return true
		}
	}
	return false
}

package denom

import (
	"errors"
	"math/rand"
	"testing"

	"decred.org/coinjoin/cj"
	"github.com/decred/dcrd/wire"
)

func randOutPoint() wire.OutPoint {
	var op wire.OutPoint
	rand.Read(op.Hash[:])
	return op
}

func denomInputs(d cj.Denomination, n, rounds int) []*Input {
	ins := make([]*Input, n)
	for i := range ins {
		ins[i] = NewInput(randOutPoint(), d.Amount(), rounds)
	}
	return ins
}

func coins(f float64) uint64 {
	return uint64(f * cj.AtomsPerCoin)
}

func tConfig() *Config {
	return &Config{
		Goal:      4,
		Hardcap:   10,
		MaxRounds: 2,
		Target:    coins(1000),
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		amt  uint64
		kind Kind
	}{
		{cj.Denom1.Amount(), Denominated},
		{cj.Denom0_001.Amount(), Denominated},
		{cj.CollateralAmount, Collateral},
		{cj.MaxCollateralAmount, Collateral},
		{cj.MaxCollateralAmount + 1, NonDenominated},
		{cj.CollateralAmount - 1, NonDenominated},
		{coins(1), NonDenominated},
	}
	for _, tt := range tests {
		if k := Classify(tt.amt); k != tt.kind {
			t.Fatalf("amount %d: expected %s, got %s", tt.amt, tt.kind, k)
		}
	}
}

func TestComplete(t *testing.T) {
	cfg := tConfig()
	cfg.Target = cj.Denom10.Amount() * 2
	inputs := denomInputs(cj.Denom10, 2, cfg.MaxRounds)
	plan, err := Compute(inputs, cfg)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	if !plan.Complete || !plan.Empty() {
		t.Fatalf("expected complete empty plan, got %s", plan)
	}

	// One round short is not mixed.
	inputs[0].Rounds = cfg.MaxRounds - 1
	plan, _ = Compute(append(inputs, NewInput(randOutPoint(), cj.CollateralAmount, 0)), cfg)
	if plan.Complete || len(plan.Needed) == 0 {
		t.Fatalf("expected incomplete plan, got %s", plan)
	}
}

func TestInsufficientFunds(t *testing.T) {
	cfg := tConfig()

	_, err := Compute(nil, cfg)
	if !errors.Is(err, cj.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for empty wallet, got %v", err)
	}

	// Enough for the smallest denomination but no collateral.
	dust := []*Input{NewInput(randOutPoint(), cj.Denom0_001.Amount()+1, 0)}
	_, err = Compute(dust, cfg)
	if !errors.Is(err, cj.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds without collateral funds, got %v", err)
	}

	// Denominated but no way to pay collateral.
	_, err = Compute(denomInputs(cj.Denom1, 3, 0), cfg)
	if !errors.Is(err, cj.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds without collateral, got %v", err)
	}

	// Adding a collateral input fixes it.
	ins := append(denomInputs(cj.Denom1, 3, 0), NewInput(randOutPoint(), cj.CollateralAmount*2, 0))
	if _, err = Compute(ins, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNeededOrder(t *testing.T) {
	cfg := tConfig()
	var inputs []*Input
	inputs = append(inputs, denomInputs(cj.Denom1, 2, cfg.MaxRounds)...)   // 2 mixed
	inputs = append(inputs, denomInputs(cj.Denom1, 2, 0)...)               // 2 unmixed
	inputs = append(inputs, denomInputs(cj.Denom0_1, 1, cfg.MaxRounds)...) // 1 mixed
	inputs = append(inputs, denomInputs(cj.Denom0_1, 3, 1)...)
	inputs = append(inputs, denomInputs(cj.Denom10, 4, cfg.MaxRounds)...) // goal met
	inputs = append(inputs, NewInput(randOutPoint(), cj.CollateralAmount, 0))

	plan, err := Compute(inputs, cfg)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	// Fewest mixed first, then largest.
	exp := []cj.Denomination{cj.Denom0_01, cj.Denom0_001, cj.Denom0_1, cj.Denom1}
	if len(plan.Needed) != len(exp) {
		t.Fatalf("expected %v, got %v", exp, plan.Needed)
	}
	for i := range exp {
		if plan.Needed[i] != exp[i] {
			t.Fatalf("expected %v, got %v", exp, plan.Needed)
		}
	}
	if plan.CreateCollateral {
		t.Fatalf("collateral creation requested with a collateral input")
	}
}

func TestRemainingTarget(t *testing.T) {
	cfg := tConfig()
	cfg.Target = coins(0.5)
	inputs := []*Input{
		NewInput(randOutPoint(), coins(20), 0),
		NewInput(randOutPoint(), cj.CollateralAmount, 0),
	}
	plan, err := Compute(inputs, cfg)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	for _, d := range plan.Needed {
		if d == cj.Denom10 || d == cj.Denom1 {
			t.Fatalf("denomination %s larger than the remaining target planned", d)
		}
	}
	if plan.CreateAmount() > cfg.Target {
		t.Fatalf("creating %d atoms for a target of %d", plan.CreateAmount(), cfg.Target)
	}

	// A target smaller than every denomination still allows the smallest.
	cfg.Target = 1000
	plan, _ = Compute(inputs, cfg)
	if len(plan.Needed) != 1 || plan.Needed[0] != cj.SmallestDenomination {
		t.Fatalf("expected only the smallest denomination, got %v", plan.Needed)
	}
}

func TestHardcap(t *testing.T) {
	cfg := tConfig()
	cfg.Goal = 50
	cfg.Hardcap = 5
	inputs := append(denomInputs(cj.Denom1, 3, 0), NewInput(randOutPoint(), coins(100), 0))
	plan, err := Compute(inputs, cfg)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	if n := plan.Create[cj.Denom1]; n+3 > cfg.Hardcap {
		t.Fatalf("creating %d outputs would exceed the hardcap", n)
	}
	if !plan.CreateCollateral {
		t.Fatalf("collateral not requested")
	}
	if plan.CreateAmount() > coins(100) {
		t.Fatalf("plan spends more than the non-denominated balance")
	}

	// At the hardcap with nothing left to mix, the denomination is not
	// needed.
	inputs = append(denomInputs(cj.Denom1, 5, cfg.MaxRounds),
		NewInput(randOutPoint(), cj.CollateralAmount, 0), NewInput(randOutPoint(), coins(1), 0))
	plan, err = Compute(inputs, cfg)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	if hasDenom(plan.Needed, cj.Denom1) {
		t.Fatalf("denomination at hardcap planned")
	}
}

func TestCandidates(t *testing.T) {
	inputs := denomInputs(cj.Denom0_1, 1, 3)
	inputs = append(inputs, denomInputs(cj.Denom0_1, 1, 0)...)
	inputs = append(inputs, denomInputs(cj.Denom0_1, 1, 4)...) // fully mixed
	inputs = append(inputs, denomInputs(cj.Denom1, 1, 0)...)
	inputs = append(inputs, NewInput(randOutPoint(), cj.CollateralAmount*3, 0))
	inputs = append(inputs, NewInput(randOutPoint(), cj.CollateralAmount, 0))

	cands := Candidates(inputs, cj.Denom0_1, 4)
	if len(cands) != 2 || cands[0].Rounds != 0 || cands[1].Rounds != 3 {
		t.Fatalf("wrong candidates")
	}
	cols := Collaterals(inputs)
	if len(cols) != 2 || cols[0].Amount != cj.CollateralAmount {
		t.Fatalf("wrong collaterals")
	}
	if avail := Available(inputs, 4); avail != cj.Denom0_1|cj.Denom1 {
		t.Fatalf("wrong available denominations %s", avail)
	}
}

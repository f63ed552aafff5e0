// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cj

import (
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
)

// AtomsPerCoin is the number of atoms in one coin.
const AtomsPerCoin = 1e8

// Denomination is a bit flag identifying one of the standard mixing amounts.
// A set of denominations can be expressed by OR'ing flags together, but a
// single mixing session only ever uses one.
type Denomination uint32

const (
	Denom10     Denomination = 1 << iota // 10.0001
	Denom1                               // 1.00001
	Denom0_1                             // 0.100001
	Denom0_01                            // 0.0100001
	Denom0_001                           // 0.00100001

	DenomNone Denomination = 0
)

const denomsCount = 5

// StandardDenominations lists the denominations from largest to smallest.
var StandardDenominations = [denomsCount]Denomination{
	Denom10, Denom1, Denom0_1, Denom0_01, Denom0_001,
}

var denomAmounts = map[Denomination]uint64{
	Denom10:    1000010000,
	Denom1:     100001000,
	Denom0_1:   10000100,
	Denom0_01:  1000010,
	Denom0_001: 100001,
}

// SmallestDenomination is the smallest standard denomination.
const SmallestDenomination = Denom0_001

// Collateral amounts. A collateral input pays the masternode if the client
// misbehaves and is tracked separately from denominated inputs.
const (
	CollateralAmount    = 100001 / 10
	MaxCollateralAmount = CollateralAmount * 4
)

// MaxEntryInputs is the maximum number of inputs a single client entry may
// contribute to a pool.
const MaxEntryInputs = 9

// Protocol timing.
const (
	// QueueTimeout is how long a queue advertisement stays valid, and how long
	// a client waits for a pool to accept it.
	QueueTimeout = 30 * time.Second
	// SigningTimeout is how long participants have to return signatures.
	SigningTimeout = 15 * time.Second
	// EntryTimeout bounds the time between an accepted pool and the final
	// transaction skeleton.
	EntryTimeout = 60 * time.Second
	// AcceptWindow is how long a pool that already has the minimum number of
	// participants keeps accepting entries before finalizing.
	AcceptWindow = 10 * time.Second
	// AutoDenomInterval is the base interval of the automatic denominating
	// loop.
	AutoDenomInterval = 5 * time.Second
	// MaxAutoDenomInterval caps the retry interval after repeated failures.
	MaxAutoDenomInterval = 2 * time.Minute
)

// Amount is the value of the denomination in atoms, or zero for an unknown or
// combined denomination.
func (d Denomination) Amount() uint64 {
	return denomAmounts[d]
}

// Valid is true if d is exactly one standard denomination.
func (d Denomination) Valid() bool {
	_, ok := denomAmounts[d]
	return ok
}

// Coins is the amount in coins.
func (d Denomination) Coins() float64 {
	return dcrutil.Amount(d.Amount()).ToCoin()
}

// String is the coin amount of a single denomination, or a "+" separated list
// for a set of denominations.
func (d Denomination) String() string {
	if d == DenomNone {
		return "N/A"
	}
	if d.Valid() {
		return strconv.FormatFloat(d.Coins(), 'f', -1, 64)
	}
	var parts []string
	for _, sd := range StandardDenominations {
		if d&sd != 0 {
			parts = append(parts, strconv.FormatFloat(sd.Coins(), 'f', -1, 64))
		}
	}
	if len(parts) == 0 {
		return "out-of-bounds"
	}
	return strings.Join(parts, "+")
}

// AmountToDenomination returns the denomination with exactly the given value,
// or DenomNone.
func AmountToDenomination(amt uint64) Denomination {
	for d, v := range denomAmounts {
		if v == amt {
			return d
		}
	}
	return DenomNone
}

// IsDenominatedAmount is true if amt is exactly a standard denomination.
func IsDenominatedAmount(amt uint64) bool {
	return AmountToDenomination(amt) != DenomNone
}

// IsCollateralAmount is true if amt may be used as mixing collateral.
func IsCollateralAmount(amt uint64) bool {
	return amt >= CollateralAmount && amt <= MaxCollateralAmount && !IsDenominatedAmount(amt)
}

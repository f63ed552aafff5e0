// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cj

import (
	"fmt"
	"strings"
)

// Network flags passed to the node.
type Network uint8

const (
	Mainnet Network = iota
	Testnet
	Devnet
	Regtest
)

// String returns a string representation of the Network.
func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Devnet:
		return "devnet"
	case Regtest:
		return "regtest"
	}
	return ""
}

// NetFromString returns the Network for the given network name.
func NetFromString(net string) (Network, error) {
	switch strings.ToLower(net) {
	case "mainnet":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	case "devnet":
		return Devnet, nil
	case "regtest", "regnet", "simnet":
		return Regtest, nil
	}
	return 255, fmt.Errorf("unknown network %s", net)
}

// PoolMinParticipants is the number of participants a pool needs before it
// can be finalized.
func (n Network) PoolMinParticipants() int {
	if n == Mainnet {
		return 3
	}
	return 2
}

// PoolMaxParticipants is the capacity of a pool.
func (n Network) PoolMaxParticipants() int {
	return 20
}

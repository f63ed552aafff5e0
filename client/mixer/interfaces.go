// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mixer

import (
	"context"
	"fmt"
	"time"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/cj/coinlock"
	"decred.org/coinjoin/cj/msgjson"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/wire"
)

// Unspent is a wallet output.
type Unspent struct {
	OutPoint wire.OutPoint
	Amount   uint64
}

// Wallet is the wallet backing a Manager. The coinlock.Mirror methods keep
// reserved coins out of the wallet's own coin selection.
type Wallet interface {
	coinlock.Mirror
	// ListUnspent lists spendable outputs, including locked ones.
	ListUnspent(ctx context.Context) ([]*Unspent, error)
	// IsLocked is true if the wallet is locked.
	IsLocked() bool
	// KeysLeft is the number of unused keys in a legacy keypool. legacy is
	// false for wallets without a keypool.
	KeysLeft() (n int, legacy bool)
	// NewMixScript returns the script of a fresh address for a mixed output.
	NewMixScript(ctx context.Context) (version uint16, pkScript []byte, err error)
	// SignInputs signs the wallet's inputs of the transaction and returns
	// the signature script for each of them.
	SignInputs(ctx context.Context, tx *wire.MsgTx, inputs []wire.OutPoint) (map[wire.OutPoint][]byte, error)
}

// Denominator is implemented by wallets that can split their funds into
// denominated and collateral outputs.
type Denominator interface {
	CreateDenominations(ctx context.Context, create map[cj.Denomination]int, collateral bool) error
}

// Masternode is a mixing masternode.
type Masternode struct {
	ProTxHash chainhash.Hash
	// OutPoint is the masternode's collateral outpoint.
	OutPoint wire.OutPoint
	Addr     string
	PubKey   *secp256k1.PublicKey
}

// String is the short identifier used in logs.
func (mn *Masternode) String() string {
	return fmt.Sprintf("%s@%s", mn.ProTxHash.String()[:16], mn.Addr)
}

// MasternodeResolver maps masternode identities to reachable masternodes.
type MasternodeResolver interface {
	Masternodes() []*Masternode
	Masternode(proTxHash chainhash.Hash) (*Masternode, error)
}

// Transport exchanges mixing protocol messages with masternodes.
type Transport interface {
	// Request sends the request and calls respHandler with the response. If
	// no response arrives within expireTime, expire is called instead.
	Request(mn *Masternode, msg *msgjson.Message, respHandler func(*msgjson.Message),
		expireTime time.Duration, expire func()) error
	// Send sends a message that expects no response.
	Send(mn *Masternode, msg *msgjson.Message) error
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pool

import (
	"context"

	"decred.org/coinjoin/cj/msgjson"
	"github.com/decred/dcrd/wire"
)

// Peer is a connected mixing client.
type Peer interface {
	// ID identifies the connection.
	ID() uint64
	// Send sends a message to the client.
	Send(msg *msgjson.Message) error
}

// UTXOSource looks up unspent outputs.
type UTXOSource interface {
	// Output returns the unspent output, or an error if it does not exist or
	// is spent.
	Output(ctx context.Context, op wire.OutPoint) (*wire.TxOut, error)
}

// Broadcaster publishes transactions to the network.
type Broadcaster interface {
	BroadcastTx(ctx context.Context, tx *wire.MsgTx) error
}

// Relay sends messages to every connected client.
type Relay interface {
	Broadcast(msg *msgjson.Message)
}

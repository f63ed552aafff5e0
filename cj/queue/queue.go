// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package queue tracks the mixing pool advertisements broadcast by
// masternodes.
package queue

import (
	"fmt"
	"time"

	"decred.org/coinjoin/cj"
	"decred.org/coinjoin/cj/msgjson"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/decred/dcrd/wire"
)

const (
	ErrExpired      = cj.ErrorKind("queue expired")
	ErrFuture       = cj.ErrorKind("queue time too far in the future")
	ErrStale        = cj.ErrorKind("queue older than the known queue for masternode")
	ErrBadSignature = cj.ErrorKind("invalid queue signature")
	ErrBadDenom     = cj.ErrorKind("invalid queue denomination")
)

// Queue is a masternode's advertisement that it is coordinating a pool for a
// denomination.
type Queue struct {
	ProTxHash chainhash.Hash
	OutPoint  wire.OutPoint
	Denom     cj.Denomination
	Time      time.Time
	// Ready signals that the pool is full and no longer accepting entries.
	Ready bool
	Sig   []byte
}

// FromMsg converts a QueueRoute payload.
func FromMsg(m *msgjson.Queue) (*Queue, error) {
	proTx, err := chainhash.NewHash(m.ProTxHash)
	if err != nil {
		return nil, fmt.Errorf("bad protx hash: %w", err)
	}
	op, err := m.OutPoint.Wire()
	if err != nil {
		return nil, fmt.Errorf("bad outpoint: %w", err)
	}
	return &Queue{
		ProTxHash: *proTx,
		OutPoint:  *op,
		Denom:     m.Denom,
		Time:      time.Unix(m.Time, 0),
		Ready:     m.Ready,
		Sig:       m.Sig,
	}, nil
}

// Msg converts the Queue to a QueueRoute payload.
func (q *Queue) Msg() *msgjson.Queue {
	return &msgjson.Queue{
		Signature: msgjson.Signature{Sig: q.Sig},
		ProTxHash: q.ProTxHash[:],
		OutPoint:  msgjson.NewOutPoint(&q.OutPoint),
		Denom:     q.Denom,
		Time:      q.Time.Unix(),
		Ready:     q.Ready,
	}
}

// SigHash is the hash signed by the masternode operator key.
func (q *Queue) SigHash() [32]byte {
	return blake256.Sum256(q.Msg().Serialize())
}

// Sign signs the queue with the operator key.
func (q *Queue) Sign(priv *secp256k1.PrivateKey) {
	h := q.SigHash()
	q.Sig = ecdsa.Sign(priv, h[:]).Serialize()
}

// Verify checks the signature against the operator key.
func (q *Queue) Verify(pub *secp256k1.PublicKey) error {
	sig, err := ecdsa.ParseDERSignature(q.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	h := q.SigHash()
	if !sig.Verify(h[:], pub) {
		return ErrBadSignature
	}
	return nil
}

// Expired is true if the queue is older than timeout, or is from further than
// timeout in the future.
func (q *Queue) Expired(now time.Time, timeout time.Duration) bool {
	age := now.Sub(q.Time)
	return age > timeout || age < -timeout
}

// String is a short description for logging.
func (q *Queue) String() string {
	return fmt.Sprintf("dsq{mn=%s, denom=%s, time=%d, ready=%t}", q.ProTxHash,
		q.Denom, q.Time.Unix(), q.Ready)
}

func (q *Queue) copy() *Queue {
	c := *q
	c.Sig = append([]byte(nil), q.Sig...)
	return &c
}

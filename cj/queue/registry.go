// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package queue

import (
	"bytes"
	"context"
	"sync"
	"time"

	"decred.org/coinjoin/cj"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const defaultSweepInterval = 5 * time.Second

// KeyResolver looks up the operator key for a masternode.
type KeyResolver func(proTxHash chainhash.Hash) (*secp256k1.PublicKey, error)

// Config is the configuration for a Registry.
type Config struct {
	Logger cj.Logger
	// PubKey, if set, is used to verify queue signatures.
	PubKey KeyResolver
	// Timeout is the queue time-to-live. Defaults to cj.QueueTimeout.
	Timeout time.Duration
	// SweepInterval is the expiry sweep interval used by Run.
	SweepInterval time.Duration
}

// Registry is the set of live queue advertisements, keyed by masternode. It
// does no I/O, and its methods never block beyond a mutex.
type Registry struct {
	log           cj.Logger
	pubKey        KeyResolver
	timeout       time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mtx    sync.RWMutex
	queues map[chainhash.Hash]*Queue
}

// NewRegistry is the constructor for a Registry.
func NewRegistry(cfg *Config) *Registry {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = cj.QueueTimeout
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	log := cfg.Logger
	if log == nil {
		log = cj.Disabled
	}
	return &Registry{
		log:           log,
		pubKey:        cfg.PubKey,
		timeout:       timeout,
		sweepInterval: sweep,
		now:           time.Now,
		queues:        make(map[chainhash.Hash]*Queue),
	}
}

// Add inserts or updates the masternode's queue. A queue is rejected if it has
// expired, if it is not newer than the queue already known for the masternode,
// or if its signature does not verify. A ready flag may be set on a queue with
// the same time as the known queue.
func (r *Registry) Add(q *Queue) error {
	if !q.Denom.Valid() {
		return ErrBadDenom
	}
	now := r.now()
	if q.Expired(now, r.timeout) {
		if q.Time.After(now) {
			return ErrFuture
		}
		return ErrExpired
	}
	if r.pubKey != nil {
		pub, err := r.pubKey(q.ProTxHash)
		if err != nil {
			return cj.NewError(ErrBadSignature, err.Error())
		}
		if err := q.Verify(pub); err != nil {
			return err
		}
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	if known, found := r.queues[q.ProTxHash]; found && !known.Expired(now, r.timeout) {
		switch {
		case q.Time.Before(known.Time):
			return ErrStale
		case q.Time.Equal(known.Time) && (known.Ready || !q.Ready):
			return ErrStale
		}
	}
	r.queues[q.ProTxHash] = q.copy()
	r.log.Tracef("Added queue %s", q)
	return nil
}

// Remove deletes the masternode's queue.
func (r *Registry) Remove(proTxHash chainhash.Hash) {
	r.mtx.Lock()
	delete(r.queues, proTxHash)
	r.mtx.Unlock()
}

// Size is the number of live queues.
func (r *Registry) Size() int {
	now := r.now()
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	var n int
	for _, q := range r.queues {
		if !q.Expired(now, r.timeout) {
			n++
		}
	}
	return n
}

// Get returns a copy of the live queue for the masternode, or nil.
func (r *Registry) Get(proTxHash chainhash.Hash) *Queue {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	q := r.queues[proTxHash]
	if q == nil || q.Expired(r.now(), r.timeout) {
		return nil
	}
	return q.copy()
}

// Select returns a copy of the earliest-advertised live queue for the
// denomination that is still accepting entries. Masternodes for which exclude
// returns true are skipped. Ties are broken by masternode hash. Select returns
// nil if there is no match.
func (r *Registry) Select(denom cj.Denomination, exclude func(chainhash.Hash) bool) *Queue {
	now := r.now()
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	var best *Queue
	for h, q := range r.queues {
		if q.Denom != denom || q.Ready || q.Expired(now, r.timeout) {
			continue
		}
		if exclude != nil && exclude(h) {
			continue
		}
		if best == nil || q.Time.Before(best.Time) ||
			(q.Time.Equal(best.Time) && bytes.Compare(q.ProTxHash[:], best.ProTxHash[:]) < 0) {
			best = q
		}
	}
	if best == nil {
		return nil
	}
	return best.copy()
}

// Sweep removes queues that have expired as of now, returning the number
// removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	var n int
	for h, q := range r.queues {
		if q.Expired(now, r.timeout) {
			delete(r.queues, h)
			n++
		}
	}
	return n
}

// Run sweeps expired queues on a fixed interval until the context is
// canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.log.Debugf("Removed %d expired queues", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

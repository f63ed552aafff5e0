// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package wait provides deadline tracking for protocol states and a tapered
// retry schedule.
package wait

import (
	"context"
	"sync"
	"time"
)

// TryDirective is a response that a Waiter's TryFunc can return to instruct
// the queue to continue trying or to quit.
type TryDirective bool

const (
	// TryAgain, when returned from the Waiter's TryFunc, instructs the ticker
	// queue to try again after the configured delay.
	TryAgain TryDirective = false
	// DontTryAgain, when returned from the Waiter's TryFunc, instructs the
	// ticker queue to quit trying and quit tracking the Waiter.
	DontTryAgain TryDirective = true
)

// Waiter is a function to run every recheckInterval until completion or
// expiration. Completion is indicated when the TryFunc returns DontTryAgain.
// Expiration occurs when TryAgain is returned after Expiration time.
type Waiter struct {
	// ID optionally identifies the Waiter so that it can be removed with
	// Cancel. IDs need not be unique; Cancel removes every match.
	ID string
	// Expiration time is checked after the function returns TryAgain. If the
	// current time > Expiration, ExpireFunc will be run and the waiter will be
	// un-queued.
	Expiration time.Time
	// TryFunc is the function to run periodically until DontTryAgain is
	// returned or Waiter expires.
	TryFunc func() TryDirective
	// ExpireFunc is a function to run in the case that the Waiter expires.
	ExpireFunc func()
}

// TickerQueue is a Waiter manager that checks a function periodically until
// DontTryAgain is indicated.
type TickerQueue struct {
	waiterMtx       sync.Mutex
	waiters         []*Waiter
	recheckInterval time.Duration
	// expireOnQuit makes Run call ExpireFunc for every waiter left when the
	// context is canceled.
	expireOnQuit bool
}

// NewTickerQueue is the constructor for a new TickerQueue. If expireOnQuit is
// true, waiters still queued at shutdown are expired.
func NewTickerQueue(recheckInterval time.Duration, expireOnQuit bool) *TickerQueue {
	return &TickerQueue{
		recheckInterval: recheckInterval,
		waiters:         make([]*Waiter, 0, 32),
		expireOnQuit:    expireOnQuit,
	}
}

// Wait attempts to run the (*Waiter).TryFunc until either 1) the function
// returns the value DontTryAgain, or 2) the function's Expiration time has
// passed. In the case of 2, the (*Waiter).ExpireFunc will be run. A Waiter
// whose Expiration is already past is expired immediately.
func (q *TickerQueue) Wait(w *Waiter) {
	// Check to see if it passes right away.
	if w.TryFunc() == DontTryAgain {
		return
	}
	if time.Now().After(w.Expiration) {
		w.ExpireFunc()
		return
	}
	q.waiterMtx.Lock()
	q.waiters = append(q.waiters, w)
	q.waiterMtx.Unlock()
}

// Cancel removes every queued Waiter with the given ID without running either
// of its functions. The number of removed waiters is returned.
func (q *TickerQueue) Cancel(id string) int {
	q.waiterMtx.Lock()
	defer q.waiterMtx.Unlock()
	kept := q.waiters[:0]
	var n int
	for _, w := range q.waiters {
		if w.ID == id {
			n++
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(q.waiters); i++ {
		q.waiters[i] = nil
	}
	q.waiters = kept
	return n
}

// Len is the number of queued waiters.
func (q *TickerQueue) Len() int {
	q.waiterMtx.Lock()
	defer q.waiterMtx.Unlock()
	return len(q.waiters)
}

// Run runs the primary wait loop until the context is canceled.
func (q *TickerQueue) Run(ctx context.Context) {
	defer func() {
		q.waiterMtx.Lock()
		leftover := q.waiters
		q.waiters = make([]*Waiter, 0, 32)
		q.waiterMtx.Unlock()
		if q.expireOnQuit {
			for _, w := range leftover {
				w.ExpireFunc()
			}
		}
	}()

	ticker := time.NewTicker(q.recheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.runWaiters(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// runWaiters checks every waiter once. The TryFunc and ExpireFunc callbacks
// are run without the queue locked so that they may call Wait or Cancel.
func (q *TickerQueue) runWaiters(ctx context.Context) {
	q.waiterMtx.Lock()
	batch := q.waiters
	q.waiters = make([]*Waiter, 0, cap(batch))
	q.waiterMtx.Unlock()

	agains := make([]*Waiter, 0, len(batch))
	tNow := time.Now()
	for i, w := range batch {
		if ctx.Err() != nil {
			agains = append(agains, batch[i:]...)
			break
		}
		if w.TryFunc() == DontTryAgain {
			continue
		}
		if w.Expiration.Before(tNow) {
			w.ExpireFunc()
			continue
		}
		agains = append(agains, w)
	}

	q.waiterMtx.Lock()
	q.waiters = append(agains, q.waiters...)
	q.waiterMtx.Unlock()
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package coinlock is the authoritative reservation table for coins borrowed
// by mixing sessions. Every read-modify-write of the table happens under a
// single mutex, so a coin is never reserved by two sessions at once.
package coinlock

import (
	"fmt"
	"sync"

	"decred.org/coinjoin/cj"
	"github.com/decred/dcrd/wire"
)

// ErrCoinLocked is returned when a coin requested by a session is already
// reserved by another session.
const ErrCoinLocked = cj.ErrorKind("coin already locked")

// CoinLockChecker provides the ability to check if a coin or a session's
// coins are locked.
type CoinLockChecker interface {
	// CoinLocked indicates if a coin is locked.
	CoinLocked(op wire.OutPoint) bool
	// SessionCoins returns all coins locked by a session.
	SessionCoins(sid uint64) []wire.OutPoint
}

// Mirror is notified of reservation changes, e.g. a wallet that excludes
// locked coins from its own coin selection.
type Mirror interface {
	LockCoins(ops []wire.OutPoint) error
	UnlockCoins(ops []wire.OutPoint) error
}

// CoinLocker is a coin reservation table keyed by outpoint. A CoinLocker
// should be used for one wallet or one pool only.
type CoinLocker struct {
	log    cj.Logger
	mirror Mirror

	coinMtx              sync.Mutex
	lockedCoins          map[wire.OutPoint]uint64
	lockedCoinsBySession map[uint64][]wire.OutPoint
}

// NewCoinLocker constructs a new CoinLocker. mirror may be nil.
func NewCoinLocker(log cj.Logger, mirror Mirror) *CoinLocker {
	if log == nil {
		log = cj.Disabled
	}
	return &CoinLocker{
		log:                  log,
		mirror:               mirror,
		lockedCoins:          make(map[wire.OutPoint]uint64),
		lockedCoinsBySession: make(map[uint64][]wire.OutPoint),
	}
}

// CoinLocked indicates if the outpoint is locked.
func (cl *CoinLocker) CoinLocked(op wire.OutPoint) bool {
	cl.coinMtx.Lock()
	_, locked := cl.lockedCoins[op]
	cl.coinMtx.Unlock()
	return locked
}

// LockedBy returns the session holding the coin.
func (cl *CoinLocker) LockedBy(op wire.OutPoint) (uint64, bool) {
	cl.coinMtx.Lock()
	defer cl.coinMtx.Unlock()
	sid, locked := cl.lockedCoins[op]
	return sid, locked
}

// SessionCoins lists the coins locked by a session.
func (cl *CoinLocker) SessionCoins(sid uint64) []wire.OutPoint {
	cl.coinMtx.Lock()
	defer cl.coinMtx.Unlock()
	coins := cl.lockedCoinsBySession[sid]
	return append(make([]wire.OutPoint, 0, len(coins)), coins...)
}

// Count is the number of locked coins.
func (cl *CoinLocker) Count() int {
	cl.coinMtx.Lock()
	defer cl.coinMtx.Unlock()
	return len(cl.lockedCoins)
}

// LockCoins locks all of the coins for the session, or none of them. It is an
// error if any coin is already locked by a different session or appears twice.
// Coins already held by the same session are left as they are.
func (cl *CoinLocker) LockCoins(sid uint64, coins []wire.OutPoint) error {
	cl.coinMtx.Lock()
	defer cl.coinMtx.Unlock()

	fresh := make([]wire.OutPoint, 0, len(coins))
	seen := make(map[wire.OutPoint]bool, len(coins))
	for _, op := range coins {
		if seen[op] {
			return fmt.Errorf("duplicate coin %s", op)
		}
		seen[op] = true
		holder, locked := cl.lockedCoins[op]
		if !locked {
			fresh = append(fresh, op)
			continue
		}
		if holder != sid {
			return cj.NewError(ErrCoinLocked, fmt.Sprintf("%s held by session %d", op, holder))
		}
	}
	return cl.lock(sid, fresh)
}

// LockAvailable selects up to want coins from the candidates that are not
// locked by any session and locks them for the session. Selection and locking
// are atomic with respect to other callers. Candidates are considered in
// order.
func (cl *CoinLocker) LockAvailable(sid uint64, candidates []wire.OutPoint, want int) ([]wire.OutPoint, error) {
	cl.coinMtx.Lock()
	defer cl.coinMtx.Unlock()

	picked := make([]wire.OutPoint, 0, want)
	seen := make(map[wire.OutPoint]bool, want)
	for _, op := range candidates {
		if len(picked) == want {
			break
		}
		if _, locked := cl.lockedCoins[op]; locked || seen[op] {
			continue
		}
		seen[op] = true
		picked = append(picked, op)
	}
	if len(picked) == 0 {
		return nil, nil
	}
	if err := cl.lock(sid, picked); err != nil {
		return nil, err
	}
	return picked, nil
}

// lock records the coins and notifies the mirror. The coinMtx MUST be held.
func (cl *CoinLocker) lock(sid uint64, coins []wire.OutPoint) error {
	if len(coins) == 0 {
		return nil
	}
	if cl.mirror != nil {
		if err := cl.mirror.LockCoins(coins); err != nil {
			return fmt.Errorf("error locking coins in wallet: %w", err)
		}
	}
	for _, op := range coins {
		cl.lockedCoins[op] = sid
	}
	cl.lockedCoinsBySession[sid] = append(cl.lockedCoinsBySession[sid], coins...)
	cl.log.Tracef("Session %d locked %d coins", sid, len(coins))
	return nil
}

// UnlockSessionCoins unlocks every coin held by the session and returns them.
func (cl *CoinLocker) UnlockSessionCoins(sid uint64) []wire.OutPoint {
	cl.coinMtx.Lock()
	defer cl.coinMtx.Unlock()
	coins := cl.lockedCoinsBySession[sid]
	delete(cl.lockedCoinsBySession, sid)
	for _, op := range coins {
		delete(cl.lockedCoins, op)
	}
	cl.unmirror(coins)
	return coins
}

// UnlockCoins unlocks specific coins of the session. Coins held by other
// sessions are ignored.
func (cl *CoinLocker) UnlockCoins(sid uint64, coins []wire.OutPoint) {
	cl.coinMtx.Lock()
	defer cl.coinMtx.Unlock()
	drop := make(map[wire.OutPoint]bool, len(coins))
	for _, op := range coins {
		if holder, locked := cl.lockedCoins[op]; locked && holder == sid {
			drop[op] = true
			delete(cl.lockedCoins, op)
		}
	}
	if len(drop) == 0 {
		return
	}
	held := cl.lockedCoinsBySession[sid]
	kept := make([]wire.OutPoint, 0, len(held))
	dropped := make([]wire.OutPoint, 0, len(drop))
	for _, op := range held {
		if drop[op] {
			dropped = append(dropped, op)
			continue
		}
		kept = append(kept, op)
	}
	if len(kept) == 0 {
		delete(cl.lockedCoinsBySession, sid)
	} else {
		cl.lockedCoinsBySession[sid] = kept
	}
	cl.unmirror(dropped)
}

// UnlockAll clears the table, returning the number of coins unlocked.
func (cl *CoinLocker) UnlockAll() int {
	cl.coinMtx.Lock()
	defer cl.coinMtx.Unlock()
	coins := make([]wire.OutPoint, 0, len(cl.lockedCoins))
	for op := range cl.lockedCoins {
		coins = append(coins, op)
	}
	cl.lockedCoins = make(map[wire.OutPoint]uint64)
	cl.lockedCoinsBySession = make(map[uint64][]wire.OutPoint)
	cl.unmirror(coins)
	return len(coins)
}

// unmirror releases the coins in the mirror. The coinMtx MUST be held.
func (cl *CoinLocker) unmirror(coins []wire.OutPoint) {
	if cl.mirror == nil || len(coins) == 0 {
		return
	}
	if err := cl.mirror.UnlockCoins(coins); err != nil {
		cl.log.Errorf("Error unlocking %d coins in wallet: %v", len(coins), err)
	}
}

var _ CoinLockChecker = (*CoinLocker)(nil)

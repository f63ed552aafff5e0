package coinlock

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"decred.org/coinjoin/cj"
	"github.com/decred/dcrd/wire"
)

var tLogger = cj.StdOutLogger("TEST", cj.LevelTrace)

func randOutPoint() wire.OutPoint {
	var op wire.OutPoint
	rand.Read(op.Hash[:])
	op.Index = rand.Uint32() % 10
	return op
}

func randOutPoints(n int) []wire.OutPoint {
	ops := make([]wire.OutPoint, n)
	for i := range ops {
		ops[i] = randOutPoint()
	}
	return ops
}

type tMirror struct {
	mtx     sync.Mutex
	locked  map[wire.OutPoint]bool
	lockErr error
}

func newTMirror() *tMirror {
	return &tMirror{locked: make(map[wire.OutPoint]bool)}
}

func (m *tMirror) LockCoins(ops []wire.OutPoint) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.lockErr != nil {
		return m.lockErr
	}
	for _, op := range ops {
		m.locked[op] = true
	}
	return nil
}

func (m *tMirror) UnlockCoins(ops []wire.OutPoint) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, op := range ops {
		delete(m.locked, op)
	}
	return nil
}

func (m *tMirror) count() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.locked)
}

func verifyLocked(cl CoinLockChecker, coins []wire.OutPoint, wantLocked bool, t *testing.T) {
	t.Helper()
	for _, op := range coins {
		if locked := cl.CoinLocked(op); locked != wantLocked {
			t.Fatalf("Coin %v locked=%v, wanted=%v.", op, locked, wantLocked)
		}
	}
}

func TestLockCoins(t *testing.T) {
	mirror := newTMirror()
	cl := NewCoinLocker(tLogger, mirror)
	coins0, coins1 := randOutPoints(3), randOutPoints(2)

	if err := cl.LockCoins(1, coins0); err != nil {
		t.Fatalf("LockCoins error: %v", err)
	}
	verifyLocked(cl, coins0, true, t)
	verifyLocked(cl, coins1, false, t)

	// Relocking by the same session is fine.
	if err := cl.LockCoins(1, coins0[:1]); err != nil {
		t.Fatalf("relock error: %v", err)
	}

	// All or nothing.
	err := cl.LockCoins(2, append(coins1, coins0[2]))
	if !errors.Is(err, ErrCoinLocked) {
		t.Fatalf("expected ErrCoinLocked, got %v", err)
	}
	verifyLocked(cl, coins1, false, t)
	if sid, _ := cl.LockedBy(coins0[2]); sid != 1 {
		t.Fatalf("coin moved to session %d", sid)
	}

	if err := cl.LockCoins(2, []wire.OutPoint{coins1[0], coins1[0]}); err == nil {
		t.Fatalf("no error for duplicate coin")
	}

	if err := cl.LockCoins(2, coins1); err != nil {
		t.Fatalf("LockCoins error: %v", err)
	}
	if cl.Count() != 5 || mirror.count() != 5 {
		t.Fatalf("wrong lock count %d, mirror %d", cl.Count(), mirror.count())
	}

	if len(cl.SessionCoins(1)) != 3 {
		t.Fatalf("wrong session coin count")
	}
	unlocked := cl.UnlockSessionCoins(1)
	if len(unlocked) != 3 {
		t.Fatalf("wrong number of unlocked coins %d", len(unlocked))
	}
	verifyLocked(cl, coins0, false, t)
	verifyLocked(cl, coins1, true, t)

	cl.UnlockCoins(2, coins1[:1])
	verifyLocked(cl, coins1[:1], false, t)
	verifyLocked(cl, coins1[1:], true, t)
	// Not held by session 3.
	cl.UnlockCoins(3, coins1[1:])
	verifyLocked(cl, coins1[1:], true, t)

	if n := cl.UnlockAll(); n != 1 {
		t.Fatalf("UnlockAll unlocked %d coins", n)
	}
	if cl.Count() != 0 || mirror.count() != 0 {
		t.Fatalf("coins still locked after UnlockAll")
	}
}

func TestMirrorFailure(t *testing.T) {
	mirror := newTMirror()
	mirror.lockErr = fmt.Errorf("wallet locked")
	cl := NewCoinLocker(tLogger, mirror)
	coins := randOutPoints(2)
	if err := cl.LockCoins(1, coins); err == nil {
		t.Fatalf("no error for mirror failure")
	}
	verifyLocked(cl, coins, false, t)
	if picked, err := cl.LockAvailable(1, coins, 2); err == nil || picked != nil {
		t.Fatalf("LockAvailable should fail with the mirror")
	}
}

func TestLockAvailable(t *testing.T) {
	cl := NewCoinLocker(tLogger, nil)
	coins := randOutPoints(5)
	cl.LockCoins(9, coins[1:2])

	picked, err := cl.LockAvailable(1, coins, 3)
	if err != nil {
		t.Fatalf("LockAvailable error: %v", err)
	}
	if len(picked) != 3 || picked[0] != coins[0] || picked[1] != coins[2] || picked[2] != coins[3] {
		t.Fatalf("wrong coins picked")
	}
	picked, _ = cl.LockAvailable(2, coins, 3)
	if len(picked) != 1 || picked[0] != coins[4] {
		t.Fatalf("expected only the last coin, got %d", len(picked))
	}
	picked, _ = cl.LockAvailable(3, coins, 3)
	if len(picked) != 0 {
		t.Fatalf("picked locked coins")
	}
}

// Many sessions competing for overlapping coins never share one.
func TestConcurrentExclusion(t *testing.T) {
	cl := NewCoinLocker(tLogger, newTMirror())
	coins := randOutPoints(60)

	const sessions = 30
	var wg sync.WaitGroup
	results := make([][]wire.OutPoint, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(sid int) {
			defer wg.Done()
			cands := make([]wire.OutPoint, len(coins))
			copy(cands, coins)
			rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
			picked, err := cl.LockAvailable(uint64(sid+1), cands, 4)
			if err != nil {
				t.Errorf("LockAvailable error: %v", err)
				return
			}
			results[sid] = picked
			if sid%3 == 0 {
				cl.UnlockSessionCoins(uint64(sid + 1))
				results[sid] = nil
			}
		}(i)
	}
	wg.Wait()

	owners := make(map[wire.OutPoint]int)
	var total int
	for sid, picked := range results {
		for _, op := range picked {
			if other, found := owners[op]; found {
				t.Fatalf("coin %s reserved by sessions %d and %d", op, other, sid)
			}
			owners[op] = sid
			total++
			if holder, _ := cl.LockedBy(op); holder != uint64(sid+1) {
				t.Fatalf("coin %s held by %d, expected %d", op, holder, sid+1)
			}
		}
	}
	if total != cl.Count() {
		t.Fatalf("table has %d coins, sessions hold %d", cl.Count(), total)
	}
}

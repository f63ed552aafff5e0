package db

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"decred.org/coinjoin/cj"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

var tLogger = cj.StdOutLogger("TEST", cj.LevelTrace)

func randOutPoint() wire.OutPoint {
	var op wire.OutPoint
	rand.Read(op.Hash[:])
	op.Index = rand.Uint32()
	return op
}

func testDBs(t *testing.T) map[string]KeyValueDB {
	fileDB, err := NewFileDB(t.TempDir(), tLogger)
	if err != nil {
		t.Fatalf("NewFileDB error: %v", err)
	}
	t.Cleanup(func() { fileDB.Close() })
	return map[string]KeyValueDB{
		"file":   fileDB,
		"memory": NewMemoryDB(),
	}
}

func TestRounds(t *testing.T) {
	for name, kv := range testDBs(t) {
		s := NewStore(kv, "default")
		other := NewStore(kv, "other")

		ops := []wire.OutPoint{randOutPoint(), randOutPoint(), randOutPoint()}
		if n, err := s.Rounds(ops[0]); err != nil || n != 0 {
			t.Fatalf("%s: unknown coin rounds %d, err %v", name, n, err)
		}
		if err := s.SetRounds(ops[:2], 3); err != nil {
			t.Fatalf("%s: SetRounds error: %v", name, err)
		}
		if err := s.SetRounds(ops[2:], 1); err != nil {
			t.Fatalf("%s: SetRounds error: %v", name, err)
		}
		if n, _ := s.Rounds(ops[1]); n != 3 {
			t.Fatalf("%s: expected 3 rounds, got %d", name, n)
		}
		if n, _ := other.Rounds(ops[1]); n != 0 {
			t.Fatalf("%s: rounds leaked between wallets", name)
		}

		all, err := s.AllRounds()
		if err != nil {
			t.Fatalf("%s: AllRounds error: %v", name, err)
		}
		if len(all) != 3 || all[ops[2]] != 1 {
			t.Fatalf("%s: wrong rounds %v", name, all)
		}

		n, err := s.PruneRounds(func(op wire.OutPoint) bool { return op == ops[0] })
		if err != nil || n != 2 {
			t.Fatalf("%s: pruned %d, err %v", name, n, err)
		}
		all, _ = s.AllRounds()
		if len(all) != 1 || all[ops[0]] != 3 {
			t.Fatalf("%s: wrong rounds after prune %v", name, all)
		}
	}
}

func TestProgress(t *testing.T) {
	for name, kv := range testDBs(t) {
		s := NewStore(kv, "w")
		p, err := s.Progress()
		if err != nil || p.CompletedRounds != 0 || len(p.UsedMasternodes) != 0 {
			t.Fatalf("%s: expected zero progress, got %+v, err %v", name, p, err)
		}

		var mn chainhash.Hash
		mn[5] = 5
		now := time.UnixMilli(time.Now().UnixMilli())
		err = s.UpdateProgress(func(p *Progress) {
			p.CompletedRounds++
			p.LastSuccess = now
			p.UsedMasternodes = append(p.UsedMasternodes, mn)
		})
		if err != nil {
			t.Fatalf("%s: UpdateProgress error: %v", name, err)
		}
		s.UpdateProgress(func(p *Progress) { p.CompletedRounds++ })

		p, _ = s.Progress()
		if p.CompletedRounds != 2 || !p.LastSuccess.Equal(now) ||
			len(p.UsedMasternodes) != 1 || p.UsedMasternodes[0] != mn {
			t.Fatalf("%s: wrong progress %+v", name, p)
		}

		s.SetRounds([]wire.OutPoint{randOutPoint()}, 2)
		if err := s.ClearProgress(); err != nil {
			t.Fatalf("%s: ClearProgress error: %v", name, err)
		}
		p, _ = s.Progress()
		if p.CompletedRounds != 0 {
			t.Fatalf("%s: progress not cleared", name)
		}
		if all, _ := s.AllRounds(); len(all) != 1 {
			t.Fatalf("%s: coin rounds not kept after clearing progress", name)
		}
	}
}

func TestProgressEncoding(t *testing.T) {
	p := &Progress{}
	b, _ := p.MarshalBinary()
	reP := new(Progress)
	if err := reP.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary error: %v", err)
	}
	if !reP.LastSuccess.IsZero() {
		t.Fatalf("zero time not preserved")
	}
	if err := reP.UnmarshalBinary(append([]byte{9}, b[1:]...)); err == nil {
		t.Fatalf("no error for unknown version")
	}
	if err := reP.UnmarshalBinary(b[:len(b)-1]); err == nil {
		t.Fatalf("no error for truncated record")
	}
}

func TestKeyValueDB(t *testing.T) {
	for name, kv := range testDBs(t) {
		if _, err := kv.Get([]byte("x")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", name, err)
		}
		for _, k := range []string{"a/2", "a/1", "b/1"} {
			kv.Store([]byte(k), rounds(1))
		}
		var keys []string
		kv.ForEach([]byte("a/"), func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
		if len(keys) != 2 || keys[0] != "a/1" || keys[1] != "a/2" {
			t.Fatalf("%s: wrong keys %v", name, keys)
		}
		if n, err := kv.DeletePrefix([]byte("a/")); err != nil || n != 2 {
			t.Fatalf("%s: DeletePrefix deleted %d, err %v", name, n, err)
		}
		if _, err := kv.Get([]byte("b/1")); err != nil {
			t.Fatalf("%s: wrong key deleted", name)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		kv.Run(ctx)
	}
}

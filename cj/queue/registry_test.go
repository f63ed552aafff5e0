package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"decred.org/coinjoin/cj"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var tLogger = cj.StdOutLogger("TEST", cj.LevelTrace)

type tClock struct {
	t time.Time
}

func (c *tClock) now() time.Time { return c.t }

func newTestRegistry(cfg *Config) (*Registry, *tClock) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Logger = tLogger
	r := NewRegistry(cfg)
	c := &tClock{t: time.Unix(1700000000, 0)}
	r.now = c.now
	return r, c
}

func mnHash(i byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = i
	return h
}

func newQueue(mn byte, denom cj.Denomination, t time.Time) *Queue {
	return &Queue{
		ProTxHash: mnHash(mn),
		Denom:     denom,
		Time:      t,
	}
}

func TestAddAndSize(t *testing.T) {
	r, clock := newTestRegistry(nil)
	now := clock.t

	if err := r.Add(newQueue(1, cj.Denom1, now)); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := r.Add(newQueue(2, cj.Denom0_1, now.Add(-10*time.Second))); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if r.Size() != 2 {
		t.Fatalf("expected 2 queues, got %d", r.Size())
	}

	tests := []struct {
		name    string
		q       *Queue
		wantErr error
	}{
		{"expired", newQueue(3, cj.Denom1, now.Add(-cj.QueueTimeout-time.Second)), ErrExpired},
		{"future", newQueue(3, cj.Denom1, now.Add(cj.QueueTimeout+time.Second)), ErrFuture},
		{"stale", newQueue(1, cj.Denom1, now.Add(-time.Second)), ErrStale},
		{"same time", newQueue(1, cj.Denom1, now), ErrStale},
		{"bad denom", newQueue(4, cj.Denom1|cj.Denom10, now), ErrBadDenom},
	}
	for _, tt := range tests {
		if err := r.Add(tt.q); !errors.Is(err, tt.wantErr) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.wantErr, err)
		}
	}

	// Ready flag on the same advertisement is accepted.
	ready := newQueue(1, cj.Denom1, now)
	ready.Ready = true
	if err := r.Add(ready); err != nil {
		t.Fatalf("ready update rejected: %v", err)
	}
	if !r.Get(mnHash(1)).Ready {
		t.Fatalf("ready flag not stored")
	}

	// Queues time out without a sweep.
	clock.t = now.Add(cj.QueueTimeout - 5*time.Second)
	if r.Size() != 1 {
		t.Fatalf("expected 1 live queue, got %d", r.Size())
	}
	if r.Get(mnHash(2)) != nil {
		t.Fatalf("expired queue returned")
	}

	if n := r.Sweep(clock.t); n != 1 {
		t.Fatalf("expected 1 swept queue, got %d", n)
	}
	r.Remove(mnHash(1))
	if r.Size() != 0 {
		t.Fatalf("queue not removed")
	}
}

func TestSelect(t *testing.T) {
	r, clock := newTestRegistry(nil)
	now := clock.t

	r.Add(newQueue(5, cj.Denom1, now.Add(-3*time.Second)))
	r.Add(newQueue(4, cj.Denom1, now.Add(-3*time.Second)))
	r.Add(newQueue(3, cj.Denom1, now.Add(-time.Second)))
	r.Add(newQueue(2, cj.Denom0_1, now.Add(-20*time.Second)))
	ready := newQueue(1, cj.Denom1, now.Add(-25*time.Second))
	ready.Ready = true
	r.Add(ready)

	q := r.Select(cj.Denom1, nil)
	if q == nil || q.ProTxHash != mnHash(4) {
		t.Fatalf("expected masternode 4, got %v", q)
	}

	exclude := func(h chainhash.Hash) bool { return h == mnHash(4) || h == mnHash(5) }
	q = r.Select(cj.Denom1, exclude)
	if q == nil || q.ProTxHash != mnHash(3) {
		t.Fatalf("expected masternode 3, got %v", q)
	}

	if q := r.Select(cj.Denom10, nil); q != nil {
		t.Fatalf("unexpected queue %s", q)
	}

	// The returned queue is a copy.
	q.Ready = true
	if r.Get(mnHash(3)).Ready {
		t.Fatalf("registry queue modified through Select result")
	}
}

func TestSignatures(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	other, _ := secp256k1.GeneratePrivateKey()

	r, clock := newTestRegistry(&Config{
		PubKey: func(h chainhash.Hash) (*secp256k1.PublicKey, error) {
			if h == mnHash(9) {
				return nil, fmt.Errorf("unknown masternode")
			}
			return priv.PubKey(), nil
		},
	})

	q := newQueue(1, cj.Denom1, clock.t)
	q.Sign(priv)
	if err := r.Add(q); err != nil {
		t.Fatalf("signed queue rejected: %v", err)
	}

	q = newQueue(2, cj.Denom1, clock.t)
	q.Sign(other)
	if err := r.Add(q); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	q = newQueue(3, cj.Denom1, clock.t)
	q.Sign(priv)
	q.Denom = cj.Denom10 // tampered
	if err := r.Add(q); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for tampered queue, got %v", err)
	}

	q = newQueue(9, cj.Denom1, clock.t)
	q.Sign(priv)
	if err := r.Add(q); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for unknown masternode, got %v", err)
	}

	// Round trip through the wire format keeps the signature valid.
	q = newQueue(4, cj.Denom0_01, clock.t)
	q.Sign(priv)
	reQ, err := FromMsg(q.Msg())
	if err != nil {
		t.Fatalf("FromMsg error: %v", err)
	}
	if err := reQ.Verify(priv.PubKey()); err != nil {
		t.Fatalf("signature invalid after conversion: %v", err)
	}
}

func TestRun(t *testing.T) {
	r := NewRegistry(&Config{
		Logger:        tLogger,
		Timeout:       20 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})
	r.Add(newQueue(1, cj.Denom1, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	r.mtx.RLock()
	n := len(r.queues)
	r.mtx.RUnlock()
	if n != 0 {
		t.Fatalf("queue not swept")
	}
	cancel()
	<-done
}

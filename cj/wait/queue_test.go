package wait

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTickerQueueExpire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewTickerQueue(time.Millisecond, false)
	go q.Run(ctx)

	var tries uint32
	expired := make(chan struct{})
	q.Wait(&Waiter{
		Expiration: time.Now().Add(20 * time.Millisecond),
		TryFunc: func() TryDirective {
			atomic.AddUint32(&tries, 1)
			return TryAgain
		},
		ExpireFunc: func() { close(expired) },
	})

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatalf("waiter never expired")
	}
	if atomic.LoadUint32(&tries) < 2 {
		t.Fatalf("expected multiple tries, got %d", tries)
	}
	if q.Len() != 0 {
		t.Fatalf("expired waiter still queued")
	}
}

func TestTickerQueueDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewTickerQueue(time.Millisecond, true)
	go q.Run(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	var n int
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Hour),
		TryFunc: func() TryDirective {
			n++
			if n == 3 {
				wg.Done()
				return DontTryAgain
			}
			return TryAgain
		},
		ExpireFunc: func() { t.Errorf("unexpected expiration") },
	})
	wg.Wait()
	time.Sleep(5 * time.Millisecond)
	if q.Len() != 0 {
		t.Fatalf("finished waiter still queued")
	}
}

func TestTickerQueueImmediate(t *testing.T) {
	q := NewTickerQueue(time.Hour, false)

	// Passes right away, never queued.
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Hour),
		TryFunc:    func() TryDirective { return DontTryAgain },
		ExpireFunc: func() { t.Fatalf("expired") },
	})
	if q.Len() != 0 {
		t.Fatalf("waiter queued")
	}

	// Already expired.
	var expired bool
	q.Wait(&Waiter{
		Expiration: time.Now().Add(-time.Second),
		TryFunc:    func() TryDirective { return TryAgain },
		ExpireFunc: func() { expired = true },
	})
	if !expired || q.Len() != 0 {
		t.Fatalf("stale waiter not expired immediately")
	}
}

func TestTickerQueueCancel(t *testing.T) {
	q := NewTickerQueue(time.Hour, true)
	newWaiter := func(id string) *Waiter {
		return &Waiter{
			ID:         id,
			Expiration: time.Now().Add(time.Hour),
			TryFunc:    func() TryDirective { return TryAgain },
			ExpireFunc: func() { t.Errorf("waiter %s expired", id) },
		}
	}
	q.Wait(newWaiter("a"))
	q.Wait(newWaiter("b"))
	q.Wait(newWaiter("a"))

	if n := q.Cancel("a"); n != 2 {
		t.Fatalf("expected 2 canceled waiters, got %d", n)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining waiter, got %d", q.Len())
	}
	q.Cancel("b")

	// Nothing left to expire on shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)
}

func TestTickerQueueExpireOnQuit(t *testing.T) {
	q := NewTickerQueue(time.Hour, true)
	var expired bool
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Hour),
		TryFunc:    func() TryDirective { return TryAgain },
		ExpireFunc: func() { expired = true },
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Run(ctx)
	if !expired {
		t.Fatalf("waiter not expired on shutdown")
	}
}

func TestTaperedInterval(t *testing.T) {
	fast, slow := time.Second, 13*time.Second
	for i := 0; i < fullSpeedTicks; i++ {
		if d := TaperedInterval(i, fast, slow); d != fast {
			t.Fatalf("tick %d: expected %s, got %s", i, fast, d)
		}
	}
	last := fast
	for i := fullSpeedTicks; i < fullyTapered; i++ {
		d := TaperedInterval(i, fast, slow)
		if d <= last {
			t.Fatalf("tick %d: interval %s did not grow from %s", i, d, last)
		}
		last = d
	}
	if d := TaperedInterval(fullyTapered+10, fast, slow); d != slow {
		t.Fatalf("expected slowest interval, got %s", d)
	}
}

func TestBackoff(t *testing.T) {
	b := &Backoff{Fastest: time.Millisecond, Slowest: time.Second}
	for i := 0; i < 20; i++ {
		b.Failed()
	}
	if b.Failures() != 20 {
		t.Fatalf("wrong failure count %d", b.Failures())
	}
	if d := b.Failed(); d != time.Second {
		t.Fatalf("expected fully tapered interval, got %s", d)
	}
	if d := b.Succeeded(); d != time.Millisecond || b.Failures() != 0 {
		t.Fatalf("backoff not reset")
	}
}

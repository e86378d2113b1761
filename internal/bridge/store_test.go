package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestStoreOpenOnce(t *testing.T) {
	st := NewStore(time.Minute, time.Hour)
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := st.Open(testInbound, testFrom, testTo, now); ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
	if st.Len() != 1 {
		t.Errorf("Len = %d, want 1", st.Len())
	}
}

func TestStoreOwnerAndSweep(t *testing.T) {
	st := NewStore(time.Minute, time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	sess, _ := st.Open(testInbound, testFrom, testTo, now)
	st.index("leg-a", testInbound)
	sess.register(&Leg{ID: "leg-a", State: LegCreated})

	if st.Owner("leg-a") != sess {
		t.Fatal("Owner did not resolve the dialing session")
	}
	if st.Owner("leg-x") != nil {
		t.Fatal("Owner resolved an unknown leg")
	}

	sess.inboundHungUp(now)
	if n := st.Sweep(now.Add(30 * time.Second)); n != 0 {
		t.Fatalf("Sweep inside retention evicted %d", n)
	}
	if n := st.Sweep(now.Add(time.Minute)); n != 1 {
		t.Fatalf("Sweep evicted %d, want 1", n)
	}
	if st.Get(testInbound) != nil || st.Owner("leg-a") != nil {
		t.Fatal("evicted session still reachable")
	}
	if s, _ := st.Open(testInbound, testFrom, testTo, now.Add(2*time.Minute)); s != nil {
		t.Fatal("evicted session reopened")
	}

	// Tombstones are forgotten after the maximum session age.
	st.Sweep(now.Add(2 * time.Hour))
	if s, ok := st.Open(testInbound, testFrom, testTo, now.Add(2*time.Hour)); s == nil || !ok {
		t.Error("tombstone outlived the maximum session age")
	}
}

func TestStoreSweepRacingOpenNeverRestarts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for round := 0; round < 50; round++ {
		st := NewStore(time.Minute, time.Hour)
		orig, _ := st.Open(testInbound, testFrom, testTo, now)
		orig.inboundHungUp(now)

		var wg sync.WaitGroup
		var restarted atomic.Int32
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 20; j++ {
					if s, created := st.Open(testInbound, testFrom, testTo, now.Add(time.Minute)); created || (s != nil && s != orig) {
						restarted.Add(1)
					}
				}
			}()
		}
		close(start)
		if n := st.Sweep(now.Add(time.Minute)); n != 1 {
			t.Fatalf("round %d: Sweep evicted %d, want 1", round, n)
		}
		wg.Wait()

		if restarted.Load() != 0 {
			t.Fatalf("round %d: evicted session was restarted %d times", round, restarted.Load())
		}
		if st.Get(testInbound) != nil {
			t.Fatalf("round %d: evicted session is tracked again", round)
		}
	}
}

func TestStoreCountByState(t *testing.T) {
	st := NewStore(time.Minute, time.Hour)
	now := time.Now()

	st.Open("in-1", testFrom, testTo, now)
	s2, _ := st.Open("in-2", testFrom, testTo, now)
	s2.inboundHungUp(now)

	counts := st.CountByState()
	if counts[SessionDialing] != 1 || counts[SessionAbandoned] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if got := len(st.Snapshot()); got != 2 {
		t.Errorf("Snapshot = %d sessions, want 2", got)
	}
}

func TestRunJanitorStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	o := newTestOrchestrator(t, newFakeCallControl(), func(opts *Options) {
		opts.SessionRetention = time.Millisecond
	})
	sess, _ := o.Store().Open(testInbound, testFrom, testTo, time.Now())
	sess.inboundHungUp(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.RunJanitor(ctx, 5*time.Millisecond)
	}()

	deadline := time.After(2 * time.Second)
	for o.Store().Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("janitor never evicted the finished session")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}

package unboundedchan

import (
	"testing"
	"time"
)

func TestFIFOAndDrainOnClose(t *testing.T) {
	uc := NewUnboundedChannel[int]()
	const n = 100
	go func() {
		ch := uc.In()
		for i := 0; i < n; i++ {
			ch <- i
		}
		close(ch)
	}()

	got := 0
	for v := range uc.Out() {
		if v != got {
			t.Fatalf("received %d, want %d: FIFO order broken", v, got)
		}
		got++
	}
	if got != n {
		t.Errorf("received %d values before Out closed, want %d", got, n)
	}
}

func TestSendsNeverBlockOnSlowConsumer(t *testing.T) {
	uc := NewUnboundedChannel[int]()
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := uc.In()
		// Nobody is reading Out yet; every send must still complete.
		for i := 0; i < 1000; i++ {
			ch <- i
		}
		close(ch)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sender blocked with no consumer attached")
	}

	count := 0
	for range uc.Out() {
		count++
	}
	if count != 1000 {
		t.Errorf("drained %d values, want 1000", count)
	}
}

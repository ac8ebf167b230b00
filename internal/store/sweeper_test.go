package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) SweepExpired() (int, error) {
	c.calls.Add(1)
	return 1, nil
}

func TestStartSweeperTicksUntilCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	sweeper := &countingSweeper{}
	done := StartSweeper(ctx, sweeper, 10*time.Millisecond, nil)

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := sweeper.calls.Load(); got < 2 {
		t.Fatalf("expected at least 2 sweeps, got %d", got)
	}
}

package settle

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTxLockSingleHolder(t *testing.T) {
	lock := NewTxLock()

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lock.TryAcquire() {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := acquired.Load(); got != 1 {
		t.Fatalf("expected exactly one acquisition, got %d", got)
	}
	if !lock.Held() {
		t.Fatal("expected lock to be held")
	}
}

func TestTxLockReleaseIdempotent(t *testing.T) {
	lock := NewTxLock()

	// Releasing a free lock is a no-op.
	lock.Release()
	if lock.Held() {
		t.Fatal("release on free lock should not acquire it")
	}

	if !lock.TryAcquire() {
		t.Fatal("expected acquisition to succeed")
	}
	lock.Release()
	lock.Release()
	if lock.Held() {
		t.Fatal("expected lock to be free after release")
	}
	if !lock.TryAcquire() {
		t.Fatal("expected reacquisition after release")
	}
}

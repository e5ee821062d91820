package linker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistryRejectsSecondAcquire(t *testing.T) {
	r := NewRegistry()
	if err := r.Acquire("123"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := r.Acquire("123"); !errors.Is(err, ErrLinkActive) {
		t.Fatalf("second acquire = %v, want ErrLinkActive", err)
	}
	if err := r.Acquire("456"); err != nil {
		t.Fatalf("different identifier rejected: %v", err)
	}

	r.Release("123")
	if err := r.Acquire("123"); err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
}

func TestRegistryConcurrentAcquireAllowsExactlyOne(t *testing.T) {
	r := NewRegistry()
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Acquire("777") == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	if won.Load() != 1 {
		t.Fatalf("winners = %d, want 1", won.Load())
	}
	if r.Len() != 1 {
		t.Fatalf("active = %d, want 1", r.Len())
	}
}

func TestRegistryReleaseUnheldIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Release("nothing")
	if r.Len() != 0 {
		t.Fatalf("active = %d, want 0", r.Len())
	}
}

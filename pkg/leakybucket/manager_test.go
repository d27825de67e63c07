package leakybucket

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func TestManagerAdd(t *testing.T) {
	const maxBuckets = 8
	const cap = 5
	const key = 123

	manager := NewManager[int32, ConstLeakyBucket[int32]](maxBuckets, cap, 1*time.Second)
	tnow := time.Now().Truncate(1 * time.Second)

	for i := 0; i < cap; i++ {
		result := manager.Add(key, 1, tnow)
		if result.CurrLevel != uint32(i+1) {
			t.Errorf("Unexpected level: %v", result.CurrLevel)
		}
		if result.Added != 1 {
			t.Errorf("Failed to add to bucket")
		}
	}

	result := manager.Add(key, 1, tnow)
	if result.Added != 0 {
		t.Errorf("Was able to add to a full bucket")
	}
	if result.RetryAfter == 0 {
		t.Errorf("RetryAfter is not set on a full bucket")
	}
}

func TestManagerAddParallel(t *testing.T) {
	const maxBuckets = 8
	const cap = 5
	const key = 123

	manager := NewManager[int32, ConstLeakyBucket[int32]](maxBuckets, cap, 1*time.Second)
	tnow := time.Now().Truncate(1 * time.Second)

	var wg sync.WaitGroup

	for i := 0; i < cap; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			result := manager.Add(key, 1, tnow)
			if result.Added != 1 {
				t.Errorf("Failed to add to bucket")
			}
		}()
	}

	wg.Wait()

	result := manager.Add(key, 1, tnow)
	if result.CurrLevel != cap {
		t.Errorf("Unexpected level after full: %v", result.CurrLevel)
	}
	if result.Added != 0 {
		t.Errorf("Was able to add to the bucket after")
	}
}

func TestManagerLeaks(t *testing.T) {
	const maxBuckets = 8
	const cap = 5
	const key = 123

	manager := NewManager[int32, ConstLeakyBucket[int32]](maxBuckets, cap, 1*time.Second)
	tnow := time.Now().Truncate(1 * time.Second)

	for i := 0; i < cap; i++ {
		manager.Add(key, 1, tnow)
	}

	result := manager.Add(key, 1, tnow.Add(2*time.Second))
	if result.Added != 1 {
		t.Errorf("Bucket did not leak")
	}
	if result.CurrLevel != cap-1 {
		t.Errorf("Unexpected level after leak: %v", result.CurrLevel)
	}
}

func TestManagerUpperBound(t *testing.T) {
	const maxBuckets = 4
	const cap = 5

	manager := NewManager[int32, ConstLeakyBucket[int32]](maxBuckets, cap, 1*time.Second)
	tnow := time.Now().Truncate(1 * time.Second)

	for key := int32(0); key < 10; key++ {
		manager.Add(key, 1, tnow.Add(time.Duration(key)*time.Millisecond))
	}

	if size := manager.Size(); size > maxBuckets {
		t.Errorf("Upper bound is not enforced: %v", size)
	}
}

func TestManagerCleanup(t *testing.T) {
	const maxBuckets = 8
	const cap = 5

	manager := NewManager[netip.Addr, ConstLeakyBucket[netip.Addr]](maxBuckets, cap, 10*time.Millisecond)
	tnow := time.Now().Truncate(10 * time.Millisecond)

	key := netip.MustParseAddr("203.0.113.7")
	manager.Add(key, 1, tnow)

	deleted := manager.Cleanup(context.Background(), tnow.Add(1*time.Second), 10, nil)
	if deleted != 1 {
		t.Errorf("Expected 1 deleted bucket, got %v", deleted)
	}

	if size := manager.Size(); size != 0 {
		t.Errorf("Expected empty manager, got %v", size)
	}
}

func TestManagerDefaultBucket(t *testing.T) {
	const maxBuckets = 8
	const cap = 5

	manager := NewManager[netip.Addr, ConstLeakyBucket[netip.Addr]](maxBuckets, cap, 1*time.Second)
	tnow := time.Now().Truncate(1 * time.Second)

	manager.SetDefaultBucket(NewConstBucket(netip.Addr{}, 1 /*capacity*/, 1*time.Second, tnow))

	if result := manager.Add(netip.Addr{}, 1, tnow); result.Added != 1 {
		t.Errorf("Failed to add to the default bucket")
	}

	if result := manager.Add(netip.Addr{}, 1, tnow); result.Added != 0 {
		t.Errorf("Default bucket capacity is not respected")
	}

	if size := manager.Size(); size != 0 {
		t.Errorf("Default bucket leaked into the map: %v", size)
	}
}

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

func testFilterConfig(capacity uint64, rate float64) FilterConfig {
	return FilterConfig{
		Capacity:          capacity,
		FalsePositiveRate: rate,
		BucketSize:        DefaultBucketSize,
		MaxKicks:          DefaultMaxKicks,
		MaxLoadFactor:     DefaultMaxLoadFactor,
		Seed:              42,
	}
}

func newTestFilter(t testing.TB, capacity uint64) *CuckooFilter {
	t.Helper()
	f, err := NewCuckooFilter(testFilterConfig(capacity, 0.001))
	if err != nil {
		t.Fatalf("Failed to create filter: %v", err)
	}
	return f
}

// digest returns a sha256 hex digest, the shape of key the service handles.
func digest(i int) string {
	sum := sha256.Sum256([]byte(strconv.Itoa(i)))
	return hex.EncodeToString(sum[:])
}

func assertSlotBound(t *testing.T, f *CuckooFilter) {
	t.Helper()
	f.mu.RLock()
	defer f.mu.RUnlock()

	total := 0
	for i := uint64(0); i < f.numBuckets; i++ {
		n := f.table.occupied(i)
		if n > int(f.bucketSize) {
			t.Fatalf("Bucket %d holds %d fingerprints, limit is %d", i, n, f.bucketSize)
		}
		total += n
	}
	if uint64(total) != f.Size() {
		t.Fatalf("Occupied slots %d do not match size %d", total, f.Size())
	}
}

func TestCuckooFilterBasic(t *testing.T) {
	f := newTestFilter(t, 1000)

	for i := 0; i < 5; i++ {
		key := digest(i)
		if err := f.Insert(key); err != nil {
			t.Fatalf("Failed to insert %s: %v", key, err)
		}
		if !f.Contains(key) {
			t.Errorf("Item %s should exist in the filter, but doesn't", key)
		}
	}

	for i := 100; i < 105; i++ {
		if f.Contains(digest(i)) {
			t.Errorf("Item %s should not exist in the filter, but does", digest(i))
		}
	}

	if f.Size() != 5 {
		t.Errorf("Expected 5 items in the filter, but found %d", f.Size())
	}
}

func TestCuckooFilterGeometry(t *testing.T) {
	f := newTestFilter(t, 32)

	stats := f.Stats()
	if stats.Buckets != 8 {
		t.Errorf("Expected 8 buckets, got %d", stats.Buckets)
	}
	if stats.Slots != 32 {
		t.Errorf("Expected 32 slots, got %d", stats.Slots)
	}
	if stats.FingerprintBits != 13 {
		t.Errorf("Expected 13-bit fingerprints, got %d", stats.FingerprintBits)
	}
}

func TestCuckooFilterDuplicates(t *testing.T) {
	f := newTestFilter(t, 256)
	key := digest(1)

	for i := 0; i < 2; i++ {
		if err := f.Insert(key); err != nil {
			t.Fatalf("Failed to insert item: %v", err)
		}
	}
	if f.Size() != 2 {
		t.Errorf("Expected both copies to be counted, found %d", f.Size())
	}

	if !f.Remove(key) {
		t.Fatal("Expected first remove to succeed")
	}
	if !f.Contains(key) {
		t.Error("Second copy should still be in the filter")
	}
	if f.Size() != 1 {
		t.Errorf("Expected 1 item after one remove, found %d", f.Size())
	}

	if !f.Remove(key) {
		t.Fatal("Expected second remove to succeed")
	}
	if f.Contains(key) {
		t.Error("Item should be gone after removing both copies")
	}
	if f.Remove(key) {
		t.Error("Removing from an empty filter should report false")
	}
	if f.Size() != 0 {
		t.Errorf("Expected empty filter, found %d", f.Size())
	}
}

func TestCuckooFilterSizeMonotonicity(t *testing.T) {
	f := newTestFilter(t, 64)

	for i := 0; i < 200; i++ {
		before := f.Size()
		err := f.Insert(digest(i))
		after := f.Size()

		switch {
		case err == nil && after != before+1:
			t.Fatalf("Successful insert moved size from %d to %d", before, after)
		case err != nil && after != before:
			t.Fatalf("Failed insert moved size from %d to %d", before, after)
		case err != nil && !errors.Is(err, ErrCapacityExhausted):
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	before := f.Size()
	if !f.Remove(digest(0)) {
		t.Fatal("Expected to remove the first inserted item")
	}
	if f.Size() != before-1 {
		t.Errorf("Remove moved size from %d to %d", before, f.Size())
	}
	if f.Remove(digest(100_000)) && f.Size() != before-2 {
		t.Errorf("Remove reported true without decrementing size")
	}
}

func TestCuckooFilterFalseNegatives(t *testing.T) {
	f := newTestFilter(t, 100_000)

	numItems := 100_000
	for i := 0; i < numItems; i++ {
		if err := f.Insert(digest(i)); err != nil {
			t.Fatalf("Failed to insert item %d: %v", i, err)
		}
	}

	falseNegatives := 0
	for i := 0; i < numItems; i++ {
		if !f.Contains(digest(i)) {
			falseNegatives++
		}
	}

	t.Logf("Items inserted: %d, load factor %.4f", numItems, f.LoadFactor())
	t.Logf("Eviction chains: %d, kicks: %d", f.Stats().EvictionChains, f.Stats().Kicks)
	if falseNegatives != 0 {
		t.Errorf("Found %d false negatives", falseNegatives)
	}
	assertSlotBound(t, f)
}

func TestCuckooFilterFalsePositives(t *testing.T) {
	const targetRate = 0.001
	f, err := NewCuckooFilter(testFilterConfig(10_000, targetRate))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10_000; i++ {
		if err := f.Insert(digest(i)); err != nil {
			t.Fatalf("Failed to insert item %d: %v", i, err)
		}
	}

	falsePositives := 0
	testsCount := 100_000
	for i := 0; i < testsCount; i++ {
		if f.Contains(digest(1_000_000 + i)) {
			falsePositives++
		}
	}

	falsePositiveRate := float64(falsePositives) / float64(testsCount)
	bound := 2 * float64(DefaultBucketSize) / math.Pow(2, float64(f.FingerprintBits()))
	t.Logf("False positive rate: %.5f (bound %.5f, load factor %.4f)", falsePositiveRate, bound, f.LoadFactor())

	if falsePositiveRate > 2*targetRate {
		t.Errorf("False positive rate too high: %.5f", falsePositiveRate)
	}
}

func TestCuckooFilterOverflow(t *testing.T) {
	f := newTestFilter(t, 1024)
	slots := f.Capacity()

	var inserted []string
	failures := 0
	for i := 0; i < int(2*slots); i++ {
		key := digest(i)
		err := f.Insert(key)
		if err == nil {
			inserted = append(inserted, key)
			continue
		}
		if !errors.Is(err, ErrCapacityExhausted) {
			t.Fatalf("Unexpected error: %v", err)
		}
		failures++
	}

	t.Logf("Inserted %d of %d, load factor %.4f", len(inserted), 2*slots, f.LoadFactor())

	if failures == 0 {
		t.Fatal("Expected the filter to reject inserts past its capacity")
	}
	if uint64(len(inserted)) != f.Size() {
		t.Errorf("Expected size %d, got %d", len(inserted), f.Size())
	}
	if limit := uint64(math.Ceil(DefaultMaxLoadFactor * float64(slots))); f.Size() > limit {
		t.Errorf("Size %d exceeds the load factor limit %d", f.Size(), limit)
	}
	if got := f.Stats().InsertFailures; got != uint64(failures) {
		t.Errorf("Expected %d insert failures, stats report %d", failures, got)
	}

	for _, key := range inserted {
		if !f.Contains(key) {
			t.Fatalf("Inserted item %s lost after overflow", key)
		}
	}
	assertSlotBound(t, f)

	// Removing makes room again.
	for _, key := range inserted[:len(inserted)/2] {
		if !f.Remove(key) {
			t.Fatalf("Failed to remove %s", key)
		}
	}
	if err := f.Insert(digest(1 << 20)); err != nil {
		t.Errorf("Expected insert to succeed after removals: %v", err)
	}
}

func TestCuckooFilterRemove(t *testing.T) {
	f := newTestFilter(t, 64)

	items := make([]string, 10)
	for i := range items {
		items[i] = digest(i)
		if err := f.Insert(items[i]); err != nil {
			t.Fatalf("Failed to insert item %s: %v", items[i], err)
		}
	}

	for i := 0; i < len(items); i += 2 {
		if !f.Remove(items[i]) {
			t.Errorf("Failed to remove item at index %d (%s)", i, items[i])
		}
	}

	for i, item := range items {
		exists := f.Contains(item)
		if i%2 == 0 {
			if exists {
				t.Logf("Note: item at index %d still reported present (fingerprint collision)", i)
			}
		} else if !exists {
			t.Errorf("Item at index %d (%s) should exist but doesn't", i, item)
		}
	}

	if f.Size() != 5 {
		t.Errorf("Expected 5 items after removals, got %d", f.Size())
	}
	assertSlotBound(t, f)
}

func TestCuckooFilterLoadFactorLimit(t *testing.T) {
	cfg := testFilterConfig(4, 0.01)
	cfg.MaxLoadFactor = 0.5
	f, err := NewCuckooFilter(cfg)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := f.Insert(digest(i)); err != nil {
			t.Fatalf("Failed to insert item %d: %v", i, err)
		}
	}

	// Two of four slots are still free, but the limit is reached.
	if err := f.Insert(digest(2)); !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("Expected ErrCapacityExhausted, got %v", err)
	}

	stats := f.Stats()
	if !stats.Saturated {
		t.Error("Expected the filter to report saturation")
	}
	if stats.Size != 2 || stats.InsertFailures != 1 || stats.EvictionChains != 0 {
		t.Errorf("Unexpected stats after refused insert: %+v", stats)
	}
	if !f.Contains(digest(0)) || !f.Contains(digest(1)) {
		t.Error("Filter should still serve lookups when saturated")
	}

	if !f.Remove(digest(0)) {
		t.Fatal("Filter should still serve removals when saturated")
	}
	if err := f.Insert(digest(2)); err != nil {
		t.Errorf("Expected insert to succeed below the limit: %v", err)
	}
}

func TestCuckooFilterReset(t *testing.T) {
	f := newTestFilter(t, 128)
	for i := 0; i < 50; i++ {
		_ = f.Insert(digest(i))
	}

	f.Reset()

	if f.Size() != 0 {
		t.Errorf("Expected size 0 after reset, got %d", f.Size())
	}
	if f.Contains(digest(1)) {
		t.Error("Expected item to be gone after reset")
	}
}

func TestCuckooFilterInvalidConfiguration(t *testing.T) {
	valid := testFilterConfig(1000, 0.01)

	tests := []struct {
		name   string
		modify func(c *FilterConfig)
	}{
		{"zero capacity", func(c *FilterConfig) { c.Capacity = 0 }},
		{"zero rate", func(c *FilterConfig) { c.FalsePositiveRate = 0 }},
		{"negative rate", func(c *FilterConfig) { c.FalsePositiveRate = -0.1 }},
		{"rate of one", func(c *FilterConfig) { c.FalsePositiveRate = 1 }},
		{"zero bucket size", func(c *FilterConfig) { c.BucketSize = 0 }},
		{"huge bucket size", func(c *FilterConfig) { c.BucketSize = 1000 }},
		{"zero kicks", func(c *FilterConfig) { c.MaxKicks = 0 }},
		{"huge kicks", func(c *FilterConfig) { c.MaxKicks = math.MaxInt32 }},
		{"zero load factor", func(c *FilterConfig) { c.MaxLoadFactor = 0 }},
		{"load factor above one", func(c *FilterConfig) { c.MaxLoadFactor = 1.5 }},
		{"fingerprint too wide", func(c *FilterConfig) { c.FalsePositiveRate = 1e-12 }},
		{"capacity wraps bucket count", func(c *FilterConfig) { c.Capacity = math.MaxUint64 }},
		{"capacity above bucket limit", func(c *FilterConfig) { c.Capacity = uint64(1)<<63 + 1 }},
		{"capacity one past limit", func(c *FilterConfig) { c.Capacity = uint64(1)<<maxBucketCountShift*DefaultBucketSize + 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			_, err := NewCuckooFilter(cfg)
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}

	if _, err := NewCuckooFilter(valid); err != nil {
		t.Errorf("Valid configuration rejected: %v", err)
	}
}

// TestCuckooFilterEightBuckets fills an 8x4 table with keys spread so that no
// bucket is over-committed, then inserts a key whose two buckets are full.
func TestCuckooFilterEightBuckets(t *testing.T) {
	f := newTestFilter(t, 32)
	if f.numBuckets != 8 {
		t.Fatalf("Expected 8 buckets, got %d", f.numBuckets)
	}

	planned := make([]int, f.numBuckets)
	var keys []string
	for i := 0; len(keys) < 30 && i < 100_000; i++ {
		key := digest(i)
		_, i1, _ := f.codec.derive(key)
		if planned[i1] < DefaultBucketSize {
			planned[i1]++
			keys = append(keys, key)
		}
	}
	if len(keys) != 30 {
		t.Fatalf("Could only pick %d well-distributed keys", len(keys))
	}

	for _, key := range keys {
		if err := f.Insert(key); err != nil {
			t.Fatalf("Failed to insert %s: %v", key, err)
		}
	}
	stats := f.Stats()
	if stats.InsertFailures != 0 {
		t.Errorf("Expected no failures, got %d", stats.InsertFailures)
	}
	if stats.Size != 30 {
		t.Errorf("Expected 30 items, got %d", stats.Size)
	}
	t.Logf("Load factor after 30 keys: %.4f", stats.LoadFactor)

	var adversarial string
	for i := 100_000; i < 1_000_000; i++ {
		key := digest(i)
		_, i1, i2 := f.codec.derive(key)
		if i1 != i2 && f.table.occupied(i1) == DefaultBucketSize && f.table.occupied(i2) == DefaultBucketSize {
			adversarial = key
			break
		}
	}
	if adversarial == "" {
		t.Fatal("No key maps to two full buckets")
	}

	err := f.Insert(adversarial)
	stats = f.Stats()
	if stats.EvictionChains != 1 || stats.Kicks < 1 {
		t.Errorf("Expected an eviction chain, got chains=%d kicks=%d", stats.EvictionChains, stats.Kicks)
	}

	switch {
	case err == nil:
		if f.Size() != 31 || !f.Contains(adversarial) {
			t.Errorf("Adversarial key inserted but size=%d contains=%v", f.Size(), f.Contains(adversarial))
		}
		if err := f.Insert(digest(-1)); !errors.Is(err, ErrCapacityExhausted) {
			t.Errorf("Expected the load factor limit to refuse a 32nd key, got %v", err)
		}
	case errors.Is(err, ErrCapacityExhausted):
		if f.Size() != 30 {
			t.Errorf("Failed insert changed size to %d", f.Size())
		}
	default:
		t.Fatalf("Unexpected error: %v", err)
	}

	for _, key := range keys {
		if !f.Contains(key) {
			t.Errorf("Key %s lost during eviction", key)
		}
	}
	assertSlotBound(t, f)
}

func TestCuckooFilterConcurrentAccess(t *testing.T) {
	f := newTestFilter(t, 20_000)

	const baseItems = 5000
	const writers, perWriter = 4, 2000
	for i := 0; i < baseItems; i++ {
		if err := f.Insert(digest(i)); err != nil {
			t.Fatalf("Failed to insert item %d: %v", i, err)
		}
	}

	// Writers never remove a key sharing a fingerprint and bucket pair with
	// a base key, so a remove cannot take a base key's entry.
	slotOf := func(key string) [3]uint64 {
		fp, i1, i2 := f.codec.derive(key)
		if i2 < i1 {
			i1, i2 = i2, i1
		}
		return [3]uint64{uint64(fp), i1, i2}
	}
	baseSlots := make(map[[3]uint64]bool, baseItems)
	for i := 0; i < baseItems; i++ {
		baseSlots[slotOf(digest(i))] = true
	}

	var (
		wg             sync.WaitGroup
		done           = make(chan struct{})
		falseNegatives atomic.Int64
		insertErrors   atomic.Int64
	)

	var writersWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func(w int) {
			defer writersWG.Done()
			for i := 0; i < perWriter; i++ {
				key := digest(baseItems + w*perWriter + i)
				if err := f.Insert(key); err != nil {
					insertErrors.Add(1)
					continue
				}
				if i%10 == 0 && !baseSlots[slotOf(key)] {
					f.Remove(key)
				}
			}
		}(w)
	}

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := r; ; i = (i + 7) % baseItems {
				select {
				case <-done:
					return
				default:
				}
				if !f.Contains(digest(i)) {
					falseNegatives.Add(1)
				}
			}
		}(r)
	}

	writersWG.Wait()
	close(done)
	wg.Wait()

	if n := insertErrors.Load(); n != 0 {
		t.Errorf("Unexpected insert failures: %d", n)
	}
	if n := falseNegatives.Load(); n != 0 {
		t.Errorf("Readers observed %d false negatives", n)
	}
	for i := 0; i < baseItems; i++ {
		if !f.Contains(digest(i)) {
			t.Fatalf("Base item %d lost", i)
		}
	}
	assertSlotBound(t, f)
}

package main

import "math/rand"

// bucketTable is a fixed array of numBuckets buckets, each holding
// bucketSize fingerprint slots. Slots are stored back to back in a single
// slice; bucket i occupies slots[i*bucketSize : (i+1)*bucketSize].
//
// bucketTable is not safe for concurrent use; CuckooFilter guards it.
type bucketTable struct {
	slots      []fingerprint
	numBuckets uint64
	bucketSize uint64
}

func newBucketTable(numBuckets uint64, bucketSize uint) *bucketTable {
	return &bucketTable{
		slots:      make([]fingerprint, numBuckets*uint64(bucketSize)),
		numBuckets: numBuckets,
		bucketSize: uint64(bucketSize),
	}
}

func (t *bucketTable) bucket(i uint64) []fingerprint {
	start := i * t.bucketSize
	return t.slots[start : start+t.bucketSize : start+t.bucketSize]
}

// tryPlace writes fp into the first empty slot of bucket i.
func (t *bucketTable) tryPlace(i uint64, fp fingerprint) bool {
	b := t.bucket(i)
	for n := range b {
		if b[n] == 0 {
			b[n] = fp
			return true
		}
	}
	return false
}

func (t *bucketTable) contains(i uint64, fp fingerprint) bool {
	for _, v := range t.bucket(i) {
		if v == fp {
			return true
		}
	}
	return false
}

// removeOne clears the first slot of bucket i holding fp.
func (t *bucketTable) removeOne(i uint64, fp fingerprint) bool {
	b := t.bucket(i)
	for n := range b {
		if b[n] == fp {
			b[n] = 0
			return true
		}
	}
	return false
}

// randomOccupiedSlot picks an occupied slot of bucket i uniformly at random.
func (t *bucketTable) randomOccupiedSlot(i uint64, rng *rand.Rand) (slot int, fp fingerprint, ok bool) {
	b := t.bucket(i)
	seen := 0
	// Reservoir sampling over the occupied slots, one pass, no allocation.
	for n, v := range b {
		if v == 0 {
			continue
		}
		seen++
		if rng.Intn(seen) == 0 {
			slot, fp = n, v
		}
	}
	return slot, fp, seen > 0
}

// swap stores fp in the given slot of bucket i and returns the previous value.
func (t *bucketTable) swap(i uint64, slot int, fp fingerprint) fingerprint {
	b := t.bucket(i)
	prev := b[slot]
	b[slot] = fp
	return prev
}

// occupied counts the non-empty slots of bucket i.
func (t *bucketTable) occupied(i uint64) int {
	n := 0
	for _, v := range t.bucket(i) {
		if v != 0 {
			n++
		}
	}
	return n
}

func (t *bucketTable) reset() {
	for i := range t.slots {
		t.slots[i] = 0
	}
}

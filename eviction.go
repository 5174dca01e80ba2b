package main

import "math/rand"

// kick records one relocation so a failed chain can be rolled back.
type kick struct {
	bucket uint64
	slot   int
	prev   fingerprint
}

// evictor runs cuckoo-kick relocation chains against a bucketTable.
// It shares the caller's lock; the rng is only touched while that lock is held.
type evictor struct {
	table    *bucketTable
	codec    *codec
	rng      *rand.Rand
	maxKicks int
	path     []kick
}

func newEvictor(table *bucketTable, c *codec, rng *rand.Rand, maxKicks int) *evictor {
	return &evictor{
		table:    table,
		codec:    c,
		rng:      rng,
		maxKicks: maxKicks,
		path:     make([]kick, 0, maxKicks),
	}
}

// evictAndInsert places fp in bucket i1 or i2, relocating resident
// fingerprints to their alternate buckets when both are full. It returns the
// number of relocations performed and whether fp was placed.
//
// When maxKicks relocations are not enough the chain is undone in reverse,
// leaving every bucket exactly as it was before the call.
func (e *evictor) evictAndInsert(i1, i2 uint64, fp fingerprint) (int, bool) {
	if e.table.tryPlace(i1, fp) || e.table.tryPlace(i2, fp) {
		return 0, true
	}

	i := i1
	if e.rng.Intn(2) == 1 {
		i = i2
	}

	e.path = e.path[:0]
	for n := 0; n < e.maxKicks; n++ {
		slot, _, ok := e.table.randomOccupiedSlot(i, e.rng)
		if !ok {
			// Only reachable if a bucket emptied mid-chain, which the lock rules out.
			if e.table.tryPlace(i, fp) {
				return n, true
			}
			break
		}
		victim := e.table.swap(i, slot, fp)
		e.path = append(e.path, kick{bucket: i, slot: slot, prev: victim})

		fp = victim
		i = e.codec.altIndex(i, fp)
		if e.table.tryPlace(i, fp) {
			return n + 1, true
		}
	}

	kicks := len(e.path)
	e.rollback()
	return kicks, false
}

func (e *evictor) rollback() {
	for n := len(e.path) - 1; n >= 0; n-- {
		k := e.path[n]
		e.table.swap(k.bucket, k.slot, k.prev)
	}
	e.path = e.path[:0]
}

package main

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash"
	"github.com/spaolacci/murmur3"
	"github.com/zeebo/xxh3"
)

// fingerprint is a short digest of a key. Zero marks an empty slot.
type fingerprint uint32

// codec derives fingerprints and candidate buckets for keys.
//
// The primary bucket comes from an xxh3 hash of the key and the fingerprint
// from an independent murmur3 hash. The alternate bucket only depends on the
// primary bucket and the fingerprint (partial-key cuckoo hashing), so a
// fingerprint can be relocated without knowing which key produced it.
type codec struct {
	bucketMask uint64
	fpMask     uint64
	fpBits     uint
}

func newCodec(numBuckets uint64, fpBits uint) *codec {
	return &codec{
		bucketMask: numBuckets - 1,
		fpMask:     uint64(1)<<fpBits - 1,
		fpBits:     fpBits,
	}
}

func (c *codec) derive(key string) (fp fingerprint, i1, i2 uint64) {
	i1 = xxh3.HashString(key) & c.bucketMask
	fp = c.fingerprintOf(key)
	i2 = c.altIndex(i1, fp)
	return
}

func (c *codec) fingerprintOf(key string) fingerprint {
	fp := murmur3.Sum64([]byte(key)) & c.fpMask
	if fp == 0 {
		fp = 1
	}
	return fingerprint(fp)
}

// altIndex is an involution: altIndex(altIndex(i, fp), fp) == i.
func (c *codec) altIndex(i uint64, fp fingerprint) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(fp))
	return (i ^ xxhash.Sum64(b[:])) & c.bucketMask
}

// CapacityBits returns the minimum fingerprint width needed to keep the
// false positive rate at or below desiredFPRate with the given bucket size:
// ceil(log2(2*bucketSize/desiredFPRate)).
func CapacityBits(desiredFPRate float64, bucketSize uint) uint {
	bits := math.Ceil(math.Log2(2 * float64(bucketSize) / desiredFPRate))
	if bits < 1 {
		return 1
	}
	return uint(bits)
}

// numBucketsFor returns the smallest power of two m with m*bucketSize >= capacity.
func numBucketsFor(capacity uint64, bucketSize uint) uint64 {
	need := (capacity + uint64(bucketSize) - 1) / uint64(bucketSize)
	return nextPowerOfTwo(need)
}

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

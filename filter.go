package main

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultBucketSize    = 4
	DefaultMaxKicks      = 500
	DefaultMaxLoadFactor = 0.95

	maxBucketSize       = 64
	maxFingerprintBits  = 32
	maxBucketCountShift = 40
	maxKicksLimit       = 1 << 16
)

var (
	// ErrInvalidConfiguration is returned when filter parameters are out of range.
	ErrInvalidConfiguration = errors.New("cuckoo: invalid configuration")

	// ErrCapacityExhausted is returned when a key could not be placed, either
	// because the filter is at its load factor limit or because the relocation
	// chain ran out of kicks. The filter remains usable.
	ErrCapacityExhausted = errors.New("cuckoo: capacity exhausted")
)

// FilterConfig describes the geometry and tuning of a CuckooFilter.
type FilterConfig struct {
	Capacity          uint64  `yaml:"capacity"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
	BucketSize        uint    `yaml:"bucket_size"`
	MaxKicks          int     `yaml:"max_kicks"`
	MaxLoadFactor     float64 `yaml:"max_load_factor"`
	// Seed for eviction victim selection. Zero seeds from the clock.
	Seed int64 `yaml:"seed"`
}

// Validate checks the configuration and returns the derived number of
// buckets and fingerprint width.
func (c FilterConfig) Validate() (numBuckets uint64, fpBits uint, err error) {
	switch {
	case c.Capacity == 0:
		return 0, 0, fmt.Errorf("%w: capacity must be positive", ErrInvalidConfiguration)
	case !(c.FalsePositiveRate > 0 && c.FalsePositiveRate < 1):
		return 0, 0, fmt.Errorf("%w: false positive rate must be in (0, 1), got %g", ErrInvalidConfiguration, c.FalsePositiveRate)
	case c.BucketSize == 0 || c.BucketSize > maxBucketSize:
		return 0, 0, fmt.Errorf("%w: bucket size must be in [1, %d], got %d", ErrInvalidConfiguration, maxBucketSize, c.BucketSize)
	case c.MaxKicks <= 0 || c.MaxKicks > maxKicksLimit:
		return 0, 0, fmt.Errorf("%w: max kicks must be in [1, %d], got %d", ErrInvalidConfiguration, maxKicksLimit, c.MaxKicks)
	case !(c.MaxLoadFactor > 0 && c.MaxLoadFactor <= 1):
		return 0, 0, fmt.Errorf("%w: max load factor must be in (0, 1], got %g", ErrInvalidConfiguration, c.MaxLoadFactor)
	}

	fpBits = CapacityBits(c.FalsePositiveRate, c.BucketSize)
	if fpBits > maxFingerprintBits {
		return 0, 0, fmt.Errorf("%w: false positive rate %g needs %d-bit fingerprints (max %d)",
			ErrInvalidConfiguration, c.FalsePositiveRate, fpBits, maxFingerprintBits)
	}

	// Checked before sizing: capacity+bucketSize-1 wraps near MaxUint64.
	if c.Capacity > uint64(1)<<maxBucketCountShift*uint64(c.BucketSize) {
		return 0, 0, fmt.Errorf("%w: capacity %d is too large", ErrInvalidConfiguration, c.Capacity)
	}
	numBuckets = numBucketsFor(c.Capacity, c.BucketSize)
	return numBuckets, fpBits, nil
}

// CuckooFilter is an approximate membership filter over string keys.
//
// Lookups take a shared lock and never block each other; Insert and Remove
// take the exclusive lock for the whole relocation chain, so a fingerprint in
// transit between buckets is never visible to a lookup. A key that was
// successfully inserted and not removed is always reported as present.
type CuckooFilter struct {
	mu      sync.RWMutex
	table   *bucketTable
	codec   *codec
	evictor *evictor

	numBuckets    uint64
	bucketSize    uint
	fpBits        uint
	maxLoadFactor float64
	maxKicks      int

	count          atomic.Uint64
	insertFailures atomic.Uint64
	chains         atomic.Uint64
	kicks          atomic.Uint64
}

// NewCuckooFilter builds an empty filter from cfg.
func NewCuckooFilter(cfg FilterConfig) (*CuckooFilter, error) {
	numBuckets, fpBits, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	table := newBucketTable(numBuckets, cfg.BucketSize)
	c := newCodec(numBuckets, fpBits)
	return &CuckooFilter{
		table:         table,
		codec:         c,
		evictor:       newEvictor(table, c, rand.New(rand.NewSource(seed)), cfg.MaxKicks),
		numBuckets:    numBuckets,
		bucketSize:    cfg.BucketSize,
		fpBits:        fpBits,
		maxLoadFactor: cfg.MaxLoadFactor,
		maxKicks:      cfg.MaxKicks,
	}, nil
}

// Insert adds key to the filter. It returns ErrCapacityExhausted when the
// filter is already at its load factor limit or the key could not be placed
// within the configured number of relocations; in that case the filter
// contents are unchanged.
//
// Inserting the same key twice stores its fingerprint twice.
func (f *CuckooFilter) Insert(key string) error {
	fp, i1, i2 := f.codec.derive(key)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.saturated() {
		f.insertFailures.Add(1)
		return fmt.Errorf("%w: load factor limit %.2f reached", ErrCapacityExhausted, f.maxLoadFactor)
	}

	kicks, ok := f.evictor.evictAndInsert(i1, i2, fp)
	if kicks > 0 {
		f.chains.Add(1)
		f.kicks.Add(uint64(kicks))
	}
	if !ok {
		f.insertFailures.Add(1)
		return fmt.Errorf("%w: no slot after %d relocations", ErrCapacityExhausted, kicks)
	}

	f.count.Add(1)
	return nil
}

// Contains reports whether key may be in the filter. False positives happen
// with probability of roughly 2*bucketSize/2^fingerprintBits; false negatives
// do not.
func (f *CuckooFilter) Contains(key string) bool {
	fp, i1, i2 := f.codec.derive(key)

	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.table.contains(i1, fp) || f.table.contains(i2, fp)
}

// Remove deletes one occurrence of key's fingerprint and reports whether one
// was found.
//
// Only fingerprints are stored, so removing a key that was never inserted
// can delete the entry of a different key sharing the same fingerprint and
// bucket (a false delete). That other key will then read as absent. Callers
// should only remove keys they know were inserted.
func (f *CuckooFilter) Remove(key string) bool {
	fp, i1, i2 := f.codec.derive(key)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.table.removeOne(i1, fp) || f.table.removeOne(i2, fp) {
		f.count.Add(^uint64(0))
		return true
	}
	return false
}

// Reset removes every fingerprint.
func (f *CuckooFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.table.reset()
	f.count.Store(0)
}

// Size returns the number of occupied slots.
func (f *CuckooFilter) Size() uint64 {
	return f.count.Load()
}

// Capacity returns the total number of slots.
func (f *CuckooFilter) Capacity() uint64 {
	return f.numBuckets * uint64(f.bucketSize)
}

func (f *CuckooFilter) LoadFactor() float64 {
	return float64(f.count.Load()) / float64(f.Capacity())
}

// FingerprintBits returns the fingerprint width in bits.
func (f *CuckooFilter) FingerprintBits() uint {
	return f.fpBits
}

// saturated reports whether the current load has reached the safety
// threshold. Callers hold f.mu.
func (f *CuckooFilter) saturated() bool {
	return float64(f.count.Load()) >= f.maxLoadFactor*float64(f.Capacity())
}

// FilterStats is a point-in-time view of the filter, suitable for monitoring
// saturation.
type FilterStats struct {
	Size            uint64  `json:"size"`
	Slots           uint64  `json:"slots"`
	Buckets         uint64  `json:"buckets"`
	BucketSize      uint    `json:"bucket_size"`
	FingerprintBits uint    `json:"fingerprint_bits"`
	LoadFactor      float64 `json:"load_factor"`
	MaxLoadFactor   float64 `json:"max_load_factor"`
	Saturated       bool    `json:"saturated"`
	InsertFailures  uint64  `json:"insert_failures"`
	EvictionChains  uint64  `json:"eviction_chains"`
	Kicks           uint64  `json:"kicks"`
}

func (f *CuckooFilter) Stats() FilterStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return FilterStats{
		Size:            f.count.Load(),
		Slots:           f.Capacity(),
		Buckets:         f.numBuckets,
		BucketSize:      f.bucketSize,
		FingerprintBits: f.fpBits,
		LoadFactor:      f.LoadFactor(),
		MaxLoadFactor:   f.maxLoadFactor,
		Saturated:       f.saturated(),
		InsertFailures:  f.insertFailures.Load(),
		EvictionChains:  f.chains.Load(),
		Kicks:           f.kicks.Load(),
	}
}

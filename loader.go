package main

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// HashSource is the authoritative set of known hashes the filter is built from.
type HashSource interface {
	AllHashes() ([]string, error)
}

// LoadReport summarizes a bulk load. Failed counts every offered key that
// did not make it into the filter, including the ones never attempted.
type LoadReport struct {
	Offered   int           `json:"offered"`
	Attempted int           `json:"attempted"`
	Inserted  int           `json:"inserted"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// BulkLoader populates a filter at startup.
type BulkLoader struct {
	filter *CuckooFilter
	logger hclog.Logger
}

func NewBulkLoader(filter *CuckooFilter, logger hclog.Logger) *BulkLoader {
	return &BulkLoader{filter: filter, logger: logger.Named("loader")}
}

// LoadAll inserts keys in order and stops at the first ErrCapacityExhausted:
// once the filter rejects one key the rest are overwhelmingly likely to be
// rejected too.
func (l *BulkLoader) LoadAll(keys []string) LoadReport {
	start := time.Now()
	report := LoadReport{Offered: len(keys)}

	for _, key := range keys {
		report.Attempted++
		if err := l.filter.Insert(key); err != nil {
			l.logger.Error("failed to insert hash, filter is likely full", "hash", key, "error", err)
			break
		}
		report.Inserted++
	}

	report.Failed = report.Offered - report.Inserted
	report.Elapsed = time.Since(start)
	return report
}

// LoadFromSource reads every hash from src once and rebuilds the filter from
// them. Existing contents are discarded so the filter mirrors src exactly;
// on a read error the filter is left untouched.
func (l *BulkLoader) LoadFromSource(src HashSource) (LoadReport, error) {
	l.logger.Info("populating filter from hash store")

	hashes, err := src.AllHashes()
	if err != nil {
		return LoadReport{}, fmt.Errorf("could not read hashes: %w", err)
	}
	if n := l.filter.Size(); n > 0 {
		l.logger.Info("discarding current filter contents", "size", n)
		l.filter.Reset()
	}
	if len(hashes) == 0 {
		l.logger.Warn("hash store is empty, no hashes to load into the filter")
		return LoadReport{}, nil
	}

	l.logger.Info("loading hashes into the filter", "count", len(hashes))
	report := l.LoadAll(hashes)
	l.logger.Info("filter populated",
		"inserted", report.Inserted,
		"offered", report.Offered,
		"failed", report.Failed,
		"load_factor", fmt.Sprintf("%.4f", l.filter.LoadFactor()),
		"elapsed", report.Elapsed,
	)
	if report.Failed > 0 {
		l.logger.Warn("filter saturated during bulk load, remaining hashes will not be flagged",
			"skipped", report.Offered-report.Attempted)
	}
	return report, nil
}

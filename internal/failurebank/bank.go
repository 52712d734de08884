// SPDX-License-Identifier: Apache-2.0

// Package failurebank persists step failures and retrieves past failures
// that resemble a query.
package failurebank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/journal"
	"github.com/adiadia/selfheal-runner/internal/metrics"
	"github.com/agnivade/levenshtein"
)

const DefaultLimit = 3

type Bank struct {
	log    journal.Log
	logger *slog.Logger
	now    func() time.Time
}

func New(log journal.Log, logger *slog.Logger) *Bank {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bank{
		log:    log,
		logger: logger,
		now:    time.Now,
	}
}

// Record appends rec, stamping it with the current UTC time when it has no
// timestamp. Write errors are logged and returned; callers treat them as
// non-fatal.
func (b *Bank) Record(ctx context.Context, rec domain.FailureRecord) (domain.FailureRecord, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = b.now().UTC()
	}

	if err := b.log.Append(ctx, rec); err != nil {
		metrics.IncPersistenceError("failures")
		b.logger.Error("failure record write failed",
			"job_id", rec.JobID,
			"error", err,
		)
		return rec, fmt.Errorf("record failure: %w", err)
	}

	metrics.IncFailuresRecorded()
	b.logger.Info("failure recorded",
		"job_id", rec.JobID,
		"action", string(rec.FailedStep.Action),
		"error_text", rec.Error,
		"artifacts", rec.Artifacts.Keys(),
	)
	return rec, nil
}

// Match is a stored failure with its similarity to the query.
type Match struct {
	Record domain.FailureRecord `json:"record"`
	Score  float64              `json:"score"`
}

// RetrieveSimilar scans every stored record and returns at most limit of
// them ordered by descending similarity between query and the JSON form of
// the failing step. Records with equal scores keep their store order.
// limit <= 0 means DefaultLimit. Malformed lines are skipped.
func (b *Bank) RetrieveSimilar(ctx context.Context, query string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	var matches []Match
	err := b.Each(ctx, func(rec domain.FailureRecord) error {
		step, err := json.Marshal(rec.FailedStep)
		if err != nil {
			return nil
		}
		matches = append(matches, Match{Record: rec, Score: Similarity(query, string(step))})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Each calls fn for every decodable record in store order.
func (b *Bank) Each(ctx context.Context, fn func(domain.FailureRecord) error) error {
	skipped := 0
	err := b.log.Replay(ctx, func(line []byte) error {
		var rec domain.FailureRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			return nil
		}
		return fn(rec)
	})
	if skipped > 0 {
		b.logger.Warn("skipped malformed failure records", "count", skipped)
	}
	if err != nil {
		return fmt.Errorf("scan failure bank: %w", err)
	}
	return nil
}

// Similarity is 1 - editDistance/maxLen over runes, so identical strings
// score 1 and two empty strings score 1.
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

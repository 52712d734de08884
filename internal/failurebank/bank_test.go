// SPDX-License-Identifier: Apache-2.0

package failurebank

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/journal"
	"github.com/adiadia/selfheal-runner/internal/testir"
	"github.com/google/go-cmp/cmp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingLog struct{}

func (failingLog) Append(context.Context, any) error {
	return errors.New("disk full")
}

func (failingLog) Replay(context.Context, func([]byte) error) error {
	return nil
}

func clickStep(selector string) testir.Step {
	return testir.Step{
		Action:  testir.ActionClick,
		Target:  testir.Target{Kind: testir.TargetSelector, Value: selector},
		Timeout: 5000,
	}
}

func TestRecordAssignsUTCTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.jsonl")
	bank := New(journal.NewFileLog(path), testLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	bank.now = func() time.Time { return fixed }

	rec, err := bank.Record(context.Background(), domain.FailureRecord{
		JobID:      "run_1",
		Error:      "Timeout 5000ms exceeded",
		FailedStep: clickStep("#missing"),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !rec.Timestamp.Equal(fixed) || rec.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp equal to %v, got %v", fixed, rec.Timestamp)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var stored map[string]any
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("decode stored line: %v", err)
	}
	for _, key := range []string{"job_id", "error", "failed_step", "artifacts", "timestamp"} {
		if _, ok := stored[key]; !ok {
			t.Fatalf("stored record missing %q: %s", key, data)
		}
	}
}

func TestRecordKeepsExplicitTimestamp(t *testing.T) {
	bank := New(journal.NewFileLog(filepath.Join(t.TempDir(), "f.jsonl")), testLogger())
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	rec, err := bank.Record(context.Background(), domain.FailureRecord{JobID: "run_1", Timestamp: ts})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !rec.Timestamp.Equal(ts) {
		t.Fatalf("expected timestamp preserved, got %v", rec.Timestamp)
	}
}

func TestRecordReturnsWriteError(t *testing.T) {
	bank := New(failingLog{}, testLogger())

	_, err := bank.Record(context.Background(), domain.FailureRecord{JobID: "run_1"})
	if err == nil {
		t.Fatal("expected write error")
	}
}

func TestRetrieveSimilarOrdersByScoreAndCapsLimit(t *testing.T) {
	ctx := context.Background()
	bank := New(journal.NewFileLog(filepath.Join(t.TempDir(), "f.jsonl")), testLogger())

	selectors := []string{"#checkout", "#login-button", "#checkout-btn", "#zzz", "#checkout"}
	for i, sel := range selectors {
		if _, err := bank.Record(ctx, domain.FailureRecord{
			JobID:      "run_" + string(rune('a'+i)),
			Error:      "not found",
			FailedStep: clickStep(sel),
		}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	query, _ := json.Marshal(clickStep("#checkout"))
	got, err := bank.RetrieveSimilar(ctx, string(query), 3)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(got))
	}

	// The two exact matches tie at 1.0 and keep store order.
	ids := []string{got[0].Record.JobID, got[1].Record.JobID, got[2].Record.JobID}
	if diff := cmp.Diff([]string{"run_a", "run_e", "run_c"}, ids); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	if got[0].Score != 1 || got[1].Score != 1 {
		t.Fatalf("expected exact matches to score 1, got %v %v", got[0].Score, got[1].Score)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Fatalf("scores not descending at %d: %v > %v", i, got[i].Score, got[i-1].Score)
		}
	}
}

func TestRetrieveSimilarNeverInventsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "f.jsonl")
	bank := New(journal.NewFileLog(path), testLogger())

	got, err := bank.RetrieveSimilar(ctx, "anything", 3)
	if err != nil {
		t.Fatalf("retrieve on empty store: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no matches from empty store, got %d", len(got))
	}

	if _, err := bank.Record(ctx, domain.FailureRecord{JobID: "only", FailedStep: clickStep("#a")}); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err = bank.RetrieveSimilar(ctx, "anything", 3)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 || got[0].Record.JobID != "only" {
		t.Fatalf("expected only the stored record, got %+v", got)
	}
}

func TestRetrieveSimilarSkipsMalformedLinesAndDefaultsLimit(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "f.jsonl")
	bank := New(journal.NewFileLog(path), testLogger())

	for i := 0; i < 5; i++ {
		if _, err := bank.Record(ctx, domain.FailureRecord{JobID: "run", FailedStep: clickStep("#x")}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	_ = f.Close()

	got, err := bank.RetrieveSimilar(ctx, "click", 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != DefaultLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultLimit, len(got))
	}
}

func TestSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{a: "", b: "", want: 1},
		{a: "abc", b: "abc", want: 1},
		{a: "abc", b: "", want: 0},
		{a: "kitten", b: "sitting", want: 1 - 3.0/7.0},
		{a: "下单", b: "下单", want: 1},
	}
	for _, tc := range cases {
		got := Similarity(tc.a, tc.b)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("Similarity(%q, %q): expected %v got %v", tc.a, tc.b, tc.want, got)
		}
		if got < 0 || got > 1 {
			t.Fatalf("Similarity out of range: %v", got)
		}
	}
}

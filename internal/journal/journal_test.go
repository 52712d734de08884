// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type entry struct {
	N    int    `json:"n"`
	Note string `json:"note"`
}

func TestFileLogAppendReplay(t *testing.T) {
	ctx := context.Background()
	log := NewFileLog(filepath.Join(t.TempDir(), "nested", "log.jsonl"))

	for i := 1; i <= 3; i++ {
		if err := log.Append(ctx, entry{N: i, Note: "line"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var got []entry
	err := log.Replay(ctx, func(line []byte) error {
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 entries got %d", len(got))
	}
	for i, e := range got {
		if e.N != i+1 {
			t.Fatalf("expected entry %d got %d", i+1, e.N)
		}
	}
}

func TestFileLogReplayMissingFile(t *testing.T) {
	log := NewFileLog(filepath.Join(t.TempDir(), "absent.jsonl"))

	calls := 0
	if err := log.Replay(context.Background(), func([]byte) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("expected missing file to replay as empty, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no calls got %d", calls)
	}
}

func TestFileLogReplaySkipsBlankLinesAndStopsOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	if err := os.WriteFile(path, []byte("{\"n\":1}\n\n{\"n\":2}\n{\"n\":3}\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stop := errors.New("stop")
	seen := 0
	err := NewFileLog(path).Replay(context.Background(), func(line []byte) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected stop error got %v", err)
	}
	if seen != 2 {
		t.Fatalf("expected 2 lines before stop got %d", seen)
	}
}

func TestFileLogConcurrentAppendsStayWholeLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.jsonl")
	log := NewFileLog(path)

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := log.Append(ctx, entry{N: n, Note: strings.Repeat("x", 512)}); err != nil {
				t.Errorf("append %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	err := log.Replay(ctx, func(line []byte) error {
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != writers {
		t.Fatalf("expected %d whole lines got %d", writers, count)
	}
}

func TestFileLogAppendCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewFileLog(filepath.Join(t.TempDir(), "log.jsonl")).Append(ctx, entry{N: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
}

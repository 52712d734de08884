// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/google/uuid"
)

func TestWebhookRetriesAndSigns(t *testing.T) {
	var attempts int32
	task := domain.Task{
		ID:          uuid.New(),
		Description: "checkout",
		Status:      domain.TaskFailed,
		UpdatedAt:   time.Now().UTC().Truncate(time.Second),
		Result:      json.RawMessage(`{"error":"boom"}`),
	}
	secret := "super-secret"

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		current := atomic.AddInt32(&attempts, 1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}

		gotSig := r.Header.Get(webhookHeaderSig)
		wantSig := signWebhookPayload(secret, body)
		if gotSig != wantSig {
			t.Errorf("expected signature %q got %q", wantSig, gotSig)
		}

		var payload terminalWebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal payload: %v", err)
		}
		if payload.TaskID != task.ID {
			t.Errorf("expected task id %s got %s", task.ID, payload.TaskID)
		}
		if payload.Status != domain.TaskFailed {
			t.Errorf("expected status %s got %s", domain.TaskFailed, payload.Status)
		}
		if !payload.FinishedAt.Equal(task.UpdatedAt) {
			t.Errorf("expected finished_at %s got %s", task.UpdatedAt, payload.FinishedAt)
		}

		if current < 3 {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("fail")),
				Header:     make(http.Header),
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("ok")),
			Header:     make(http.Header),
		}, nil
	})}

	n := NewWebhookNotifier("http://webhook.local/callback", secret, client, testLogger())
	n.Notify(context.Background(), task)
	if err := n.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 webhook attempts got %d", got)
	}
}

func TestWebhookStopsAfterRetryLimit(t *testing.T) {
	var attempts int32

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		if r.Header.Get(webhookHeaderSig) != "" {
			t.Errorf("unsigned webhook expected without a secret")
		}
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(strings.NewReader("fail")),
			Header:     make(http.Header),
		}, nil
	})}

	n := NewWebhookNotifier("http://webhook.local/callback", "", client, testLogger())
	n.Notify(context.Background(), domain.Task{ID: uuid.New(), Status: domain.TaskCompleted})
	if err := n.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if got := atomic.LoadInt32(&attempts); got != webhookRetryAttempts {
		t.Fatalf("expected %d attempts got %d", webhookRetryAttempts, got)
	}
}

func TestNewWebhookNotifierDisabledWithoutURL(t *testing.T) {
	n := NewWebhookNotifier("  ", "secret", nil, nil)
	if n != nil {
		t.Fatal("expected nil notifier")
	}
	// A nil notifier is safe to use.
	n.Notify(context.Background(), domain.Task{})
	if err := n.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

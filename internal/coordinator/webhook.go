// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/google/uuid"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
	webhookTimeout       = 10 * time.Second
)

type terminalWebhookPayload struct {
	TaskID      uuid.UUID         `json:"task_id"`
	Description string            `json:"description"`
	Status      domain.TaskStatus `json:"status"`
	FinishedAt  time.Time         `json:"finished_at"`
	Result      json.RawMessage   `json:"result,omitempty"`
}

// WebhookNotifier posts terminal tasks to a fixed URL. Deliveries run in the
// background; Wait blocks until they are done.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewWebhookNotifier returns nil when url is empty.
func NewWebhookNotifier(url, secret string, client *http.Client, logger *slog.Logger) *WebhookNotifier {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:        url,
		secret:     secret,
		httpClient: client,
		logger:     logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, task domain.Task) {
	if n == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(ctx, task)
	}()
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (n *WebhookNotifier) Wait(ctx context.Context) error {
	if n == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *WebhookNotifier) deliver(ctx context.Context, task domain.Task) {
	body, err := json.Marshal(terminalWebhookPayload{
		TaskID:      task.ID,
		Description: task.Description,
		Status:      task.Status,
		FinishedAt:  task.UpdatedAt,
		Result:      task.Result,
	})
	if err != nil {
		n.logger.Error("webhook payload marshal failed",
			"task_id", task.ID,
			"status", task.Status,
			"error", err,
		)
		return
	}

	signature := signWebhookPayload(n.secret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			n.logger.Error("webhook request build failed",
				"task_id", task.ID,
				"attempt", attempt,
				"error", err,
			)
			break
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = err
			n.logger.Warn("webhook failure",
				"task_id", task.ID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				n.logger.Info("webhook success",
					"task_id", task.ID,
					"status", task.Status,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			n.logger.Warn("webhook failure",
				"task_id", task.ID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := webhookRetryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				n.logger.Warn("webhook canceled before retry",
					"task_id", task.ID,
					"attempt", attempt,
					"error", ctx.Err(),
				)
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		n.logger.Error("webhook retries exhausted",
			"task_id", task.ID,
			"status", task.Status,
			"error", lastErr,
		)
	}
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

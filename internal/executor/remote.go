// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/testir"
)

const maxResponseBytes = 8 << 20

// ExecRequest is the /exec request body.
type ExecRequest struct {
	RunID  string        `json:"run_id"`
	TestIR testir.TestIR `json:"test_ir"`
}

type RemoteDeps struct {
	URL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// Remote submits plans to an executor service over HTTP.
type Remote struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

func NewRemote(deps RemoteDeps) *Remote {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Client == nil {
		timeout := deps.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		deps.Client = &http.Client{Timeout: timeout}
	}
	return &Remote{
		url:    strings.TrimSpace(deps.URL),
		token:  strings.TrimSpace(deps.Token),
		client: deps.Client,
		logger: deps.Logger,
	}
}

// Open returns a connection bound to runID. The service keeps no session
// state between calls, so opening never touches the network.
func (r *Remote) Open(_ context.Context, runID string) (Conn, error) {
	return &remoteConn{remote: r, runID: runID}, nil
}

type remoteConn struct {
	remote *Remote
	runID  string
}

func (c *remoteConn) Submit(ctx context.Context, ir testir.TestIR) (Outcome, error) {
	return c.remote.submit(ctx, c.runID, ir)
}

func (c *remoteConn) Close() error {
	return nil
}

func (r *Remote) submit(ctx context.Context, runID string, ir testir.TestIR) (Outcome, error) {
	body, err := json.Marshal(ExecRequest{RunID: runID, TestIR: ir})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal exec request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: build request: %v", domain.ErrExecutorUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", domain.ErrExecutorUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: read response: %v", domain.ErrExecutorUnreachable, err)
	}

	out, ok := decodeOutcome(raw)
	if !ok {
		r.logger.Warn("executor returned unrecognized body",
			"run_id", runID,
			"status_code", resp.StatusCode,
		)
		return Outcome{}, fmt.Errorf("%w: unexpected response %d", domain.ErrExecutorUnreachable, resp.StatusCode)
	}

	if out.RunID == "" {
		out.RunID = runID
	}
	if resp.StatusCode == http.StatusOK && out.Status == "" {
		out.Status = StatusSuccess
	}
	if resp.StatusCode != http.StatusOK && out.Status == StatusSuccess {
		out.Status = StatusError
	}
	if out.Status == "" {
		out.Status = StatusError
	}
	return out, nil
}

// decodeOutcome accepts a bare outcome, {"detail": outcome} or
// {"detail": "message"}.
func decodeOutcome(raw []byte) (Outcome, bool) {
	var wrapped struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return Outcome{}, false
	}

	if len(wrapped.Detail) > 0 {
		var out Outcome
		if err := json.Unmarshal(wrapped.Detail, &out); err == nil {
			return out, true
		}
		var msg string
		if err := json.Unmarshal(wrapped.Detail, &msg); err == nil {
			return Outcome{Status: StatusError, Error: msg}, true
		}
		return Outcome{}, false
	}

	var out Outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return Outcome{}, false
	}
	if out.Status == "" && out.RunID == "" {
		return Outcome{}, false
	}
	return out, true
}

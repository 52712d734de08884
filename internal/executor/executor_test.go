// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adiadia/selfheal-runner/internal/artifact"
	"github.com/adiadia/selfheal-runner/internal/domain"
	"github.com/adiadia/selfheal-runner/internal/testir"
	"github.com/adiadia/selfheal-runner/internal/transport/middleware"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSession struct {
	dom    string
	closed int
}

func (s *fakeSession) ID() string { return "fake" }

func (s *fakeSession) DOM(context.Context) (string, error) {
	if s.dom == "" {
		return "", errors.New("no page")
	}
	return s.dom, nil
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type fakeFactory struct {
	sess *fakeSession
	err  error
}

func (f *fakeFactory) Open(context.Context, string) (Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

// scriptedSteps fails or panics on steps whose target value matches.
type scriptedSteps struct {
	failOn  map[string]string
	panicOn string
	seen    []string
}

func (s *scriptedSteps) Execute(_ context.Context, _ Session, step testir.Step) testir.StepResult {
	s.seen = append(s.seen, step.Target.Value)
	if step.Target.Value == s.panicOn {
		panic("boom")
	}
	if msg, ok := s.failOn[step.Target.Value]; ok {
		return testir.StepResult{OK: false, Error: msg}
	}
	if step.Action == testir.ActionScreenshot {
		return testir.StepResult{OK: true, Details: testir.Details{testir.DetailScreenshotKey: "run_1/shot.png"}}
	}
	return testir.StepResult{OK: true}
}

func plan() testir.TestIR {
	return testir.TestIR{
		ID: "t1",
		Steps: []testir.Step{
			{Action: testir.ActionGoto, Target: testir.Target{Kind: testir.TargetURL, Value: "https://example.com"}},
			{Action: testir.ActionScreenshot, Target: testir.Target{Kind: testir.TargetSelector, Value: "shot"}},
			{ID: "buy", Action: testir.ActionClick, Target: testir.Target{Kind: testir.TargetSelector, Value: "#missing"}, Timeout: 5000},
			{Action: testir.ActionAssert, Target: testir.Target{Kind: testir.TargetText, Value: "Done"}},
		},
	}
}

func TestLocalStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewFSStore(t.TempDir())
	sess := &fakeSession{dom: "<button>submit</button>"}
	steps := &scriptedSteps{failOn: map[string]string{"#missing": "Timeout 5000ms exceeded"}}
	local := NewLocal(LocalDeps{
		Sessions:  &fakeFactory{sess: sess},
		Steps:     steps,
		Artifacts: store,
		Logger:    testLogger(),
	})

	out, err := local.Run(ctx, "run_1", plan())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusFailed || out.Error != "Timeout 5000ms exceeded" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(out.Results) != 3 || len(steps.seen) != 3 {
		t.Fatalf("expected execution to stop at step 3, got %d results", len(out.Results))
	}
	if out.Results[2].StepID != "buy" || out.Results[0].StepID != "s1" {
		t.Fatalf("unexpected step ids %q %q", out.Results[0].StepID, out.Results[2].StepID)
	}
	if out.FailedStep == nil || out.FailedStep.Target.Value != "#missing" {
		t.Fatalf("expected failed step recorded, got %+v", out.FailedStep)
	}
	if len(out.Artifacts.Screenshots) != 1 {
		t.Fatalf("expected screenshot key collected, got %v", out.Artifacts.Screenshots)
	}
	if sess.closed != 1 {
		t.Fatalf("expected session closed once, got %d", sess.closed)
	}

	data, err := store.Get(ctx, out.Artifacts.DOMSnapshotKey)
	if err != nil {
		t.Fatalf("snapshot not stored: %v", err)
	}
	var snap map[string]string
	if err := json.Unmarshal(data, &snap); err != nil || snap["html"] != "<button>submit</button>" {
		t.Fatalf("unexpected snapshot %s (%v)", data, err)
	}
}

func TestLocalSnapshotKeysDifferPerAttempt(t *testing.T) {
	ctx := context.Background()
	local := NewLocal(LocalDeps{
		Sessions:  &fakeFactory{sess: &fakeSession{dom: "<p/>"}},
		Steps:     &scriptedSteps{failOn: map[string]string{"#missing": "not found"}},
		Artifacts: artifact.NewFSStore(t.TempDir()),
		Logger:    testLogger(),
	})

	conn, err := local.Open(ctx, "run_1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	first, _ := conn.Submit(ctx, plan())
	second, _ := conn.Submit(ctx, plan())
	if first.Artifacts.DOMSnapshotKey == "" || first.Artifacts.DOMSnapshotKey == second.Artifacts.DOMSnapshotKey {
		t.Fatalf("expected distinct snapshot keys, got %q and %q",
			first.Artifacts.DOMSnapshotKey, second.Artifacts.DOMSnapshotKey)
	}
}

func TestLocalRecoversPanics(t *testing.T) {
	local := NewLocal(LocalDeps{
		Sessions: &fakeFactory{sess: &fakeSession{}},
		Steps:    &scriptedSteps{panicOn: "#missing"},
		Logger:   testLogger(),
	})

	out, err := local.Run(context.Background(), "run_1", plan())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusFailed || !strings.Contains(out.Error, "boom") {
		t.Fatalf("expected panic captured as failure, got %+v", out)
	}
	if out.Artifacts.DOMSnapshotKey != "" {
		t.Fatalf("expected no snapshot without a store, got %q", out.Artifacts.DOMSnapshotKey)
	}
}

func TestLocalAllSuccess(t *testing.T) {
	local := NewLocal(LocalDeps{
		Sessions: &fakeFactory{sess: &fakeSession{}},
		Steps:    &scriptedSteps{},
		Logger:   testLogger(),
	})

	out, err := local.Run(context.Background(), "run_1", plan())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := out.RunResult()
	if !res.OK || len(res.Results) != len(plan().Steps) {
		t.Fatalf("expected %d ok results, got %+v", len(plan().Steps), res)
	}
}

func TestLocalOpenFailureIsUnreachable(t *testing.T) {
	local := NewLocal(LocalDeps{
		Sessions: &fakeFactory{err: errors.New("chrome not found")},
		Steps:    &scriptedSteps{},
		Logger:   testLogger(),
	})

	_, err := local.Run(context.Background(), "run_1", plan())
	if !errors.Is(err, domain.ErrExecutorUnreachable) {
		t.Fatalf("expected ErrExecutorUnreachable, got %v", err)
	}
}

func TestLocalCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	local := NewLocal(LocalDeps{
		Sessions: &fakeFactory{sess: &fakeSession{}},
		Steps:    &scriptedSteps{},
		Logger:   testLogger(),
	})

	out, err := local.Run(ctx, "run_1", plan())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusError || len(out.Results) != 0 {
		t.Fatalf("expected error outcome before any step, got %+v", out)
	}
}

func TestRemoteAgainstService(t *testing.T) {
	local := NewLocal(LocalDeps{
		Sessions: &fakeFactory{sess: &fakeSession{dom: "<p/>"}},
		Steps:    &scriptedSteps{failOn: map[string]string{"#missing": "Timeout 5000ms exceeded"}},
		Logger:   testLogger(),
	})
	srv := httptest.NewServer(NewServiceHandler(local, testLogger()))
	defer srv.Close()

	remote := NewRemote(RemoteDeps{URL: srv.URL + "/exec", Logger: testLogger()})
	conn, err := remote.Open(context.Background(), "run_9")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	out, err := conn.Submit(context.Background(), plan())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusFailed || out.RunID != "run_9" || out.Error != "Timeout 5000ms exceeded" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.FailedStep == nil || out.FailedStep.Timeout != 5000 {
		t.Fatalf("expected failed step to survive the wire, got %+v", out.FailedStep)
	}

	ok := plan()
	ok.Steps = ok.Steps[:2]
	out, err = conn.Submit(context.Background(), ok)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.OK() || len(out.Results) != 2 {
		t.Fatalf("expected success, got %+v", out)
	}
}

func TestRemoteSendsBearerToken(t *testing.T) {
	local := NewLocal(LocalDeps{
		Sessions: &fakeFactory{sess: &fakeSession{dom: "<p/>"}},
		Steps:    &scriptedSteps{},
		Logger:   testLogger(),
	})
	srv := httptest.NewServer(NewServiceHandler(local, testLogger(),
		middleware.APITokenAuth("exec-secret", testLogger()),
	))
	defer srv.Close()

	authed := NewRemote(RemoteDeps{URL: srv.URL + "/exec", Token: "exec-secret", Logger: testLogger()})
	conn, _ := authed.Open(context.Background(), "run_2")
	out, err := conn.Submit(context.Background(), plan())
	if err != nil {
		t.Fatalf("submit with token: %v", err)
	}
	if !out.OK() {
		t.Fatalf("expected success, got %+v", out)
	}

	anon := NewRemote(RemoteDeps{URL: srv.URL + "/exec", Logger: testLogger()})
	conn, _ = anon.Open(context.Background(), "run_3")
	if _, err := conn.Submit(context.Background(), plan()); !errors.Is(err, domain.ErrExecutorUnreachable) {
		t.Fatalf("expected rejected call to surface as unreachable, got %v", err)
	}
}

func TestRemoteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	remote := NewRemote(RemoteDeps{URL: url + "/exec", Logger: testLogger()})
	conn, _ := remote.Open(context.Background(), "run_1")

	if _, err := conn.Submit(context.Background(), plan()); !errors.Is(err, domain.ErrExecutorUnreachable) {
		t.Fatalf("expected ErrExecutorUnreachable, got %v", err)
	}
}

func TestRemoteResponseShapes(t *testing.T) {
	cases := []struct {
		name        string
		code        int
		body        string
		wantStatus  Status
		unreachable bool
	}{
		{name: "flat success", code: 200, body: `{"run_id":"r","status":"success","artifacts":{}}`, wantStatus: StatusSuccess},
		{name: "detail failure", code: 500, body: `{"detail":{"status":"failed","error":"x","failed_step":{"action":"click"}}}`, wantStatus: StatusFailed},
		{name: "detail string", code: 500, body: `{"detail":"browser crashed"}`, wantStatus: StatusError},
		{name: "flat error", code: 500, body: `{"status":"error","error":"launch failed"}`, wantStatus: StatusError},
		{name: "proxy html", code: 502, body: `<html>bad gateway</html>`, unreachable: true},
		{name: "empty object", code: 503, body: `{}`, unreachable: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			conn, _ := NewRemote(RemoteDeps{URL: srv.URL, Logger: testLogger()}).Open(context.Background(), "run_1")
			out, err := conn.Submit(context.Background(), plan())
			if tc.unreachable {
				if !errors.Is(err, domain.ErrExecutorUnreachable) {
					t.Fatalf("expected ErrExecutorUnreachable, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if out.Status != tc.wantStatus {
				t.Fatalf("expected status %s got %s", tc.wantStatus, out.Status)
			}
			if out.RunID == "" {
				t.Fatal("expected run id filled in")
			}
		})
	}
}

func TestServiceRejectsInvalidPlan(t *testing.T) {
	handler := NewServiceHandler(NewLocal(LocalDeps{
		Sessions: &fakeFactory{sess: &fakeSession{}},
		Steps:    &scriptedSteps{},
		Logger:   testLogger(),
	}), testLogger())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader(`{"run_id":"r","test_ir":{"test_id":"t","steps":[]}}`))
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty plan, got %d", rr.Code)
	}
}

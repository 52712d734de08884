// SPDX-License-Identifier: Apache-2.0

package browser

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/selfheal-runner/internal/testir"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		target  testir.Target
		want    string
		search  bool
		wantErr bool
	}{
		{name: "css", target: testir.Target{Kind: testir.TargetSelector, Value: "#submit"}, want: "#submit"},
		{name: "role with native", target: testir.Target{Kind: testir.TargetSelector, Value: "role=main"}, want: `[role="main"], main`},
		{name: "role without native", target: testir.Target{Kind: testir.TargetSelector, Value: "role=dialog"}, want: `[role="dialog"]`},
		{name: "text prefix", target: testir.Target{Kind: testir.TargetSelector, Value: "text=Submit"}, want: `"Submit"`, search: true},
		{name: "text kind", target: testir.Target{Kind: testir.TargetText, Value: "Order Confirmed"}, want: `"Order Confirmed"`, search: true},
		{name: "url kind", target: testir.Target{Kind: testir.TargetURL, Value: "https://example.com"}, wantErr: true},
		{name: "empty", target: testir.Target{Kind: testir.TargetSelector}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := resolve(tt.target)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", loc.sel)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if tt.search {
				if !strings.HasPrefix(loc.sel, "//") || !strings.Contains(loc.sel, tt.want) {
					t.Fatalf("expected xpath containing %s, got %s", tt.want, loc.sel)
				}
				return
			}
			if loc.sel != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, loc.sel)
			}
		})
	}
}

func TestXPathLiteral(t *testing.T) {
	tests := map[string]string{
		`plain`:         `"plain"`,
		`say "hi"`:      `'say "hi"'`,
		`it's "quoted"`: `concat("it's ", '"', "quoted", '"', "")`,
	}
	for in, want := range tests {
		if got := xpathLiteral(in); got != want {
			t.Fatalf("xpathLiteral(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestDescribeTimeout(t *testing.T) {
	step := testir.Step{
		Action:  testir.ActionClick,
		Target:  testir.Target{Kind: testir.TargetSelector, Value: "#slow"},
		Timeout: 1500,
	}
	msg := describe(step, context.DeadlineExceeded, context.Background())
	if !strings.HasPrefix(msg, "Timeout 1500ms exceeded") {
		t.Fatalf("unexpected message %q", msg)
	}
	if !strings.Contains(strings.ToLower(msg), "timeout") {
		t.Fatalf("timeout message must mention timeout: %q", msg)
	}
}

func TestDescribeCanceledParentIsNotATimeout(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	msg := describe(testir.Step{Action: testir.ActionClick}, context.DeadlineExceeded, parent)
	if strings.HasPrefix(msg, "Timeout") {
		t.Fatalf("canceled run reported as step timeout: %q", msg)
	}
}

func TestDescribeAssertionPassthrough(t *testing.T) {
	err := errors.New(testir.AssertionFailure("Order Confirmed"))
	msg := describe(testir.Step{Action: testir.ActionAssert}, err, context.Background())
	if msg != err.Error() {
		t.Fatalf("expected assertion message unchanged, got %q", msg)
	}
}

type otherSession struct{}

func (otherSession) ID() string                          { return "other" }
func (otherSession) DOM(context.Context) (string, error) { return "", nil }
func (otherSession) Close() error                        { return nil }

func TestExecuteRejectsForeignSession(t *testing.T) {
	d := New(Options{Headless: true})

	res := d.Execute(context.Background(), otherSession{}, testir.Step{Action: testir.ActionGoto})
	if res.OK {
		t.Fatal("expected failure for foreign session")
	}
	if !strings.Contains(res.Error, "unsupported session") {
		t.Fatalf("unexpected error %q", res.Error)
	}
}

func TestScreenshotKeyIsScopedToRun(t *testing.T) {
	d := New(Options{})
	a := d.screenshotKey("run_1")
	b := d.screenshotKey("run_1")
	if !strings.HasPrefix(a, "run_1/screenshots/") || !strings.HasSuffix(a, ".png") {
		t.Fatalf("unexpected key %q", a)
	}
	if a == b {
		t.Fatal("expected distinct keys per screenshot")
	}
}

func TestOpenHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	if _, err := New(Options{Headless: true}).Open(ctx, "run_x"); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

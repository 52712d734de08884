// SPDX-License-Identifier: Apache-2.0

package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adiadia/selfheal-runner/internal/testir"
	"github.com/chromedp/chromedp"
)

// actions binds the action handlers to one session.
type actions struct {
	driver  *Driver
	session *Session
}

func (a *actions) Goto(ctx context.Context, step testir.Step) (testir.Details, error) {
	url := strings.TrimSpace(step.Target.Value)
	if url == "" {
		url = strings.TrimSpace(step.Value)
	}
	if url == "" {
		return nil, errors.New("goto requires a url")
	}
	if err := chromedp.Run(ctx, chromedp.Navigate(url)); err != nil {
		return nil, err
	}
	return testir.Details{"url": url}, nil
}

func (a *actions) Click(ctx context.Context, step testir.Step) (testir.Details, error) {
	loc, err := resolve(step.Target)
	if err != nil {
		return nil, err
	}
	return nil, chromedp.Run(ctx, chromedp.Click(loc.sel, append(loc.opts, chromedp.NodeVisible)...))
}

func (a *actions) Type(ctx context.Context, step testir.Step) (testir.Details, error) {
	loc, err := resolve(step.Target)
	if err != nil {
		return nil, err
	}
	return nil, chromedp.Run(ctx,
		chromedp.WaitVisible(loc.sel, loc.opts...),
		chromedp.Clear(loc.sel, loc.opts...),
		chromedp.SendKeys(loc.sel, step.Value, loc.opts...),
	)
}

// WaitFor waits for the target element to become visible. URL targets wait
// for the current document to be ready.
func (a *actions) WaitFor(ctx context.Context, step testir.Step) (testir.Details, error) {
	if step.Target.Kind == testir.TargetURL {
		return nil, chromedp.Run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	loc, err := resolve(step.Target)
	if err != nil {
		return nil, err
	}
	return nil, chromedp.Run(ctx, chromedp.WaitVisible(loc.sel, loc.opts...))
}

// Assert checks that the expected text occurs in the page markup, or that a
// selector target matches at least one element.
func (a *actions) Assert(ctx context.Context, step testir.Step) (testir.Details, error) {
	expected := step.Target.Value
	if expected == "" {
		expected = step.Value
	}
	if expected == "" {
		return nil, errors.New("assert requires an expected value")
	}

	if step.Target.Kind == testir.TargetSelector && !strings.HasPrefix(expected, "text=") {
		var found bool
		expr := fmt.Sprintf("document.querySelector(%q) !== null", expected)
		if err := chromedp.Run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
			return nil, err
		}
		if !found {
			return nil, errors.New(testir.AssertionFailure(expected))
		}
		return nil, nil
	}

	expected = strings.TrimPrefix(expected, "text=")
	html, err := a.session.DOM(ctx)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(html, expected) {
		return nil, errors.New(testir.AssertionFailure(expected))
	}
	return nil, nil
}

func (a *actions) Screenshot(ctx context.Context, step testir.Step) (testir.Details, error) {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, err
	}

	if a.driver.artifacts == nil {
		return testir.Details{testir.DetailWarning: "no artifact store configured; screenshot discarded"}, nil
	}
	key := a.driver.screenshotKey(a.session.runID)
	if err := a.driver.artifacts.Put(ctx, key, buf, "image/png"); err != nil {
		return nil, fmt.Errorf("store screenshot: %w", err)
	}
	return testir.Details{testir.DetailScreenshotKey: key}, nil
}

func (a *actions) Eval(ctx context.Context, step testir.Step) (testir.Details, error) {
	script := strings.TrimSpace(step.Value)
	if script == "" {
		script = strings.TrimSpace(step.Target.Value)
	}
	if script == "" {
		return nil, errors.New("eval requires a script")
	}

	var result any
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &result)); err != nil {
		return nil, err
	}
	return testir.Details{"result": result}, nil
}

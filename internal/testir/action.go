// SPDX-License-Identifier: Apache-2.0

package testir

import (
	"context"
	"errors"
	"strings"
)

type Action string

const (
	ActionGoto       Action = "goto"
	ActionClick      Action = "click"
	ActionType       Action = "type"
	ActionWaitFor    Action = "waitfor"
	ActionAssert     Action = "assert"
	ActionScreenshot Action = "screenshot"
	ActionEval       Action = "eval"
)

// Actions lists every supported action in declaration order.
var Actions = []Action{
	ActionGoto,
	ActionClick,
	ActionType,
	ActionWaitFor,
	ActionAssert,
	ActionScreenshot,
	ActionEval,
}

var ErrUnknownAction = errors.New("unknown action")

// Normalize lower-cases and trims the action name.
func (a Action) Normalize() Action {
	return Action(strings.ToLower(strings.TrimSpace(string(a))))
}

func (a Action) Known() bool {
	n := a.Normalize()
	for _, known := range Actions {
		if n == known {
			return true
		}
	}
	return false
}

// Details carries structured, action specific output such as artifact keys.
type Details map[string]any

// ActionHandler receives one call per supported action. Implementations
// perform the action against whatever session they are bound to.
type ActionHandler interface {
	Goto(ctx context.Context, step Step) (Details, error)
	Click(ctx context.Context, step Step) (Details, error)
	Type(ctx context.Context, step Step) (Details, error)
	WaitFor(ctx context.Context, step Step) (Details, error)
	Assert(ctx context.Context, step Step) (Details, error)
	Screenshot(ctx context.Context, step Step) (Details, error)
	Eval(ctx context.Context, step Step) (Details, error)
}

// Dispatch routes step to the matching handler method. Unrecognized actions
// return ErrUnknownAction without touching the handler.
func Dispatch(ctx context.Context, h ActionHandler, step Step) (Details, error) {
	switch step.Action.Normalize() {
	case ActionGoto:
		return h.Goto(ctx, step)
	case ActionClick:
		return h.Click(ctx, step)
	case ActionType:
		return h.Type(ctx, step)
	case ActionWaitFor:
		return h.WaitFor(ctx, step)
	case ActionAssert:
		return h.Assert(ctx, step)
	case ActionScreenshot:
		return h.Screenshot(ctx, step)
	case ActionEval:
		return h.Eval(ctx, step)
	default:
		return nil, ErrUnknownAction
	}
}

// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"

	"github.com/adiadia/selfheal-runner/internal/testir"
)

var ErrTaskNotFound = errors.New("task not found")
var ErrInvalidTransition = errors.New("invalid task status transition")
var ErrExecutorUnreachable = errors.New("executor unreachable")
var ErrAttemptsExhausted = errors.New("attempt budget exhausted")
var ErrMaxParallelRunsExceeded = errors.New("max parallel runs exceeded")

// ErrEmptyPlan is returned for a TestIR without steps.
var ErrEmptyPlan = testir.ErrEmptyPlan

// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/adiadia/selfheal-runner/internal/testir"
)

// FailureRecord is one persisted step failure. Records are never mutated
// after they are written.
type FailureRecord struct {
	JobID      string           `json:"job_id"`
	Error      string           `json:"error"`
	FailedStep testir.Step      `json:"failed_step"`
	Artifacts  testir.Artifacts `json:"artifacts"`
	Timestamp  time.Time        `json:"timestamp"`
}

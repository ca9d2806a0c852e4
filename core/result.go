package core

import "encoding/json"

// StageStatus enumerates the settlement variants of a stage invocation.
// Every invocation settles in exactly one of these states; a stage is never
// left pending.
type StageStatus string

const (
	// StatusSuccess is a complete result with a usable payload.
	StatusSuccess StageStatus = "success"
	// StatusPartial is a usable payload accompanied by warnings.
	StatusPartial StageStatus = "partial_success"
	// StatusFailure is a permanent or transient failure with no payload.
	StatusFailure StageStatus = "failure"
	// StatusTimedOut records that the stage exceeded its deadline.
	StatusTimedOut StageStatus = "timed_out"
	// StatusSkipped records that the stage was never invoked.
	StatusSkipped StageStatus = "skipped"
)

// ReasonCode classifies a failure for retry purposes. Adapters choose the
// code; the engine retries only ReasonTransient, and only within the stage's
// remaining deadline budget.
type ReasonCode string

const (
	// ReasonTransient marks a retryable failure (network blip, rate limit).
	ReasonTransient ReasonCode = "transient"
	// ReasonPermanent marks a non-retryable failure (bad input, auth).
	ReasonPermanent ReasonCode = "permanent"
	// ReasonDeadline marks deadline expiry, recorded on TimedOut results.
	ReasonDeadline ReasonCode = "deadline"
	// ReasonCancelled marks abandonment due to session close.
	ReasonCancelled ReasonCode = "cancelled"
)

// StageResult is the tagged settlement record for one (session, stage) pair.
// It is data, not an error: non-fatal failures travel through the pipeline as
// StageResults and surface in the coverage summary, never as thrown errors.
//
// Payload is raw JSON so heterogeneous stage outputs flow through the engine
// without it knowing their shapes. Detail carries the human-readable failure
// reason or skip cause.
type StageResult struct {
	Stage    StageID         `json:"stage"`
	Status   StageStatus     `json:"status"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
	Reason   ReasonCode      `json:"reason,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
}

// Success builds a StatusSuccess result carrying payload.
func Success(stage StageID, payload json.RawMessage) StageResult {
	return StageResult{Stage: stage, Status: StatusSuccess, Payload: payload}
}

// Partial builds a StatusPartial result carrying payload plus warnings.
func Partial(stage StageID, payload json.RawMessage, warnings ...string) StageResult {
	return StageResult{Stage: stage, Status: StatusPartial, Payload: payload, Warnings: warnings}
}

// Failure builds a StatusFailure result with a retry classification.
func Failure(stage StageID, reason ReasonCode, detail string) StageResult {
	return StageResult{Stage: stage, Status: StatusFailure, Reason: reason, Detail: detail}
}

// TimedOut builds a StatusTimedOut result.
func TimedOut(stage StageID) StageResult {
	return StageResult{Stage: stage, Status: StatusTimedOut, Reason: ReasonDeadline, Detail: "stage deadline exceeded"}
}

// Skipped builds a StatusSkipped result with the reason the stage never ran.
func Skipped(stage StageID, cause string) StageResult {
	return StageResult{Stage: stage, Status: StatusSkipped, Detail: cause}
}

// Succeeded reports whether the result carries a usable payload
// (StatusSuccess or StatusPartial).
func (r StageResult) Succeeded() bool {
	return r.Status == StatusSuccess || r.Status == StatusPartial
}

// Transient reports whether the result is a retryable failure.
func (r StageResult) Transient() bool {
	return r.Status == StatusFailure && r.Reason == ReasonTransient
}

// Absent reports whether the result contributes no data downstream. Fan-in
// stages use this to treat missing input as an explicit absence rather than a
// zero value.
func (r StageResult) Absent() bool { return !r.Succeeded() || len(r.Payload) == 0 }

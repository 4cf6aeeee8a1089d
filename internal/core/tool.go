// Package core provides the minimal call-record types the reasoner builds
// around each LLM gateway call. It is a trimmed-down version of the tool-call envelope the
// original agent framework used for every external call: a context carrying
// a request, and a result carrying a status plus metadata.
package core

import (
	"context"
	"time"
)

// Call status constants.
const (
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// CallContext carries context for a single Gateway call.
type CallContext struct {
	Ctx       context.Context
	RequestID string
}

// CallResult is the result of a single Gateway call.
type CallResult struct {
	Status   string
	Output   any
	Error    string
	Metadata map[string]any
}

// RetryPolicy configures the fixed backoff schedule of a retrying call.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

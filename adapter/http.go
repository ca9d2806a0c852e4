package adapter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/nutrimesh/nutrimesh/core"
)

// defaultHTTPClient is shared by the search adapters. Per-call deadlines come
// from the stage context; the client timeout is only a backstop.
var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// reasonForStatus classifies an HTTP status for retry purposes: throttling
// and server errors are transient, everything else (bad request, rejected
// credentials) is permanent.
func reasonForStatus(status int) core.ReasonCode {
	if status == http.StatusTooManyRequests || status >= 500 {
		return core.ReasonTransient
	}
	return core.ReasonPermanent
}

// failureFor converts a transport-level error into a StageResult, honoring
// context expiry as a timeout rather than a failure.
func failureFor(ctx context.Context, stage core.StageID, err error) core.StageResult {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return core.TimedOut(stage)
	}
	return core.Failure(stage, core.ReasonTransient, err.Error())
}

// readBody drains a capped response body.
func readBody(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 4<<20))
}

package pool

import (
	"context"

	"gridmind.ai/internal/protocol"
)

// OutcomeKind classifies how one dispatch settled.
type OutcomeKind int

const (
	// OutcomeSuccess: the worker answered in time and the result
	// passed structural validation.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeInvalid: the worker answered but the payload failed
	// validation; treated exactly like a crash, nothing is merged.
	OutcomeInvalid
	// OutcomeFailure: the worker reported a wholesale failure or its
	// context exited mid-dispatch.
	OutcomeFailure
	// OutcomeTimedOut: the deadline elapsed; the context was
	// force-terminated.
	OutcomeTimedOut
	// OutcomeSkipped: the worker was not healthy, so nothing was sent.
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Outcome is the settled value of one dispatch handle.
type Outcome struct {
	Kind   OutcomeKind
	Worker int
	// Result is populated only for OutcomeSuccess.
	Result protocol.ResultEnvelope
	Err    error
}

// Handle resolves with the outcome of one dispatch, exactly once.
type Handle struct {
	Worker     int
	DispatchID string
	ch         chan Outcome
}

// Await blocks until the dispatch settles. Each dispatch carries its
// own deadline, so Await itself needs no timer; the context guards
// orchestrator shutdown.
func (h *Handle) Await(ctx context.Context) Outcome {
	select {
	case out := <-h.ch:
		return out
	case <-ctx.Done():
		return Outcome{Kind: OutcomeFailure, Worker: h.Worker, Err: ctx.Err()}
	}
}

func (h *Handle) resolve(out Outcome) {
	h.ch <- out
}

package queue

import (
	"context"
	"fmt"

	"github.com/communitymedia/captiond/internal/model"
)

// Outcome is the tagged result a handler returns. The dispatcher maps it
// onto job state transitions; handlers never touch job state themselves.
type Outcome struct {
	Err     error
	Class   model.ErrorClass
	Partial bool
	Reason  string
}

// Success is the zero outcome.
func Success() Outcome { return Outcome{} }

// PartialSuccess marks a succeeded job that skipped part of its work.
func PartialSuccess(reason string) Outcome {
	return Outcome{Partial: true, Reason: reason}
}

// Fail wraps an error with its failure class.
func Fail(class model.ErrorClass, err error) Outcome {
	return Outcome{Err: err, Class: class}
}

// Failf formats a failure.
func Failf(class model.ErrorClass, format string, args ...any) Outcome {
	return Outcome{Err: fmt.Errorf(format, args...), Class: class}
}

// Cancelled records cooperative cancellation; not an error.
func Cancelled() Outcome {
	return Outcome{Err: context.Canceled, Class: model.ClassCancelled}
}

// Handler executes one job. Handlers must be idempotent keyed by
// (job_id, attempt); the pipeline layer adds fingerprint idempotency.
type Handler interface {
	Execute(ctx context.Context, job *model.Job) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *model.Job) Outcome

func (f HandlerFunc) Execute(ctx context.Context, job *model.Job) Outcome {
	return f(ctx, job)
}

package cablecast

import (
	"errors"
	"fmt"

	"github.com/communitymedia/captiond/internal/model"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrNotFound     = errors.New("cablecast: resource not found")
	ErrUnauthorized = errors.New("cablecast: authentication rejected")
	ErrUnavailable  = errors.New("cablecast: host unreachable or transport failure")
	ErrServer       = errors.New("cablecast: internal error (5xx)")
	ErrBadResponse  = errors.New("cablecast: invalid response format")
	ErrTimeout      = errors.New("cablecast: request timed out")
)

// APIError wraps the sentinel errors with call context.
type APIError struct {
	Sentinel  error
	Operation string
	Status    int
	Body      string
	Err       error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("cablecast: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Sentinel }

// Classify maps a client error onto the queue's failure taxonomy.
func Classify(err error) model.ErrorClass {
	switch {
	case err == nil:
		return model.ClassNone
	case errors.Is(err, ErrNotFound):
		return model.ClassBusiness
	case errors.Is(err, ErrUnauthorized):
		return model.ClassPermanent
	case errors.Is(err, ErrBadResponse):
		return model.ClassContract
	case errors.Is(err, ErrServer), errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout):
		return model.ClassTransient
	default:
		return model.ClassTransient
	}
}

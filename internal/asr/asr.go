// Package asr wraps the external transcription model behind a narrow
// capability. The model itself is an external collaborator; the core only
// cares about the ordered segment contract.
package asr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyTranscript is a business failure: the model ran but produced
	// zero segments. The pipeline fails the job without retry.
	ErrEmptyTranscript = errors.New("asr: empty transcript")
)

// Segment is one timed piece of transcript. The sequence contract is
// end > start per segment and non-decreasing start across segments.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Options are forwarded to the model invocation.
type Options struct {
	Model       string
	Language    string
	ComputeType string
	BatchSize   int
	NumWorkers  int
}

// Transcriber produces a finite ordered segment sequence for an audio or
// video source.
type Transcriber interface {
	Transcribe(ctx context.Context, source string, opts Options) ([]Segment, error)
}

// ValidateSegments enforces the segment sequence contract. A violation is
// a contract error from the model, not a business failure.
func ValidateSegments(segs []Segment) error {
	prevStart := -1.0
	for i, s := range segs {
		if s.End <= s.Start {
			return fmt.Errorf("asr: segment %d has end %.3f <= start %.3f", i, s.End, s.Start)
		}
		if s.Start < prevStart {
			return fmt.Errorf("asr: segment %d start %.3f regresses before %.3f", i, s.Start, prevStart)
		}
		prevStart = s.Start
	}
	return nil
}

// Duration returns the end of the last segment, an approximation of the
// spoken length of the source.
func Duration(segs []Segment) float64 {
	if len(segs) == 0 {
		return 0
	}
	return segs[len(segs)-1].End
}

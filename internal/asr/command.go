package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/communitymedia/captiond/internal/log"
)

// CommandTranscriber shells out to the configured ASR binary, which writes
// a JSON array of segments to stdout. The process is killed when the
// context is cancelled; transcription jobs rely on that for cooperative
// cancellation inside the stage.
type CommandTranscriber struct {
	// Binary is the transcription command, e.g. "whisperx-transcribe".
	Binary string
}

func (c *CommandTranscriber) Transcribe(ctx context.Context, source string, opts Options) ([]Segment, error) {
	logger := log.WithComponentFromContext(ctx, "asr")

	args := []string{"--output-format", "json", "--input", source}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.ComputeType != "" {
		args = append(args, "--compute-type", opts.ComputeType)
	}
	if opts.BatchSize > 0 {
		args = append(args, "--batch-size", strconv.Itoa(opts.BatchSize))
	}
	if opts.NumWorkers > 0 {
		args = append(args, "--num-workers", strconv.Itoa(opts.NumWorkers))
	}

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Info().
		Str(log.FieldEvent, "asr.start").
		Str(log.FieldPath, source).
		Str("model", opts.Model).
		Msg("starting transcription")

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("asr command failed: %w: %s", err, truncate(stderr.String(), 512))
	}

	var segs []Segment
	if err := json.Unmarshal(stdout.Bytes(), &segs); err != nil {
		return nil, fmt.Errorf("asr output not parseable: %w", err)
	}
	if err := ValidateSegments(segs); err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, ErrEmptyTranscript
	}

	logger.Info().
		Str(log.FieldEvent, "asr.done").
		Int("segments", len(segs)).
		Msg("transcription complete")
	return segs, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

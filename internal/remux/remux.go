// Package remux embeds a caption track into the original video container
// and probes media durations. Both shell out to external tooling; the
// container-level details stay outside the core.
package remux

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/communitymedia/captiond/internal/log"
)

// Remuxer writes a captioned copy of a video without re-encoding.
type Remuxer interface {
	Embed(ctx context.Context, videoPath, sccPath, outPath string) error
}

// Prober reports the duration of a media file in seconds.
type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// CommandRemuxer drives an ffmpeg binary. The caption file is muxed as a
// closed-caption data track; video and audio streams are copied.
type CommandRemuxer struct {
	Binary string // e.g. "ffmpeg"
}

func (r *CommandRemuxer) Embed(ctx context.Context, videoPath, sccPath, outPath string) error {
	logger := log.WithComponentFromContext(ctx, "remux")

	args := []string{
		"-nostdin", "-y",
		"-i", videoPath,
		"-i", sccPath,
		"-map", "0",
		"-map", "1",
		"-c", "copy",
		"-c:s", "mov_text",
		outPath,
	}
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Info().
		Str(log.FieldEvent, "remux.start").
		Str(log.FieldPath, videoPath).
		Str(log.FieldFinalPath, outPath).
		Msg("starting caption remux")

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("remux failed: %w: %s", err, truncate(stderr.String(), 512))
	}
	return nil
}

// CommandProber drives an ffprobe binary and parses its JSON format block.
type CommandProber struct {
	Binary string // e.g. "ffprobe"
}

func (p *CommandProber) Duration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	}
	cmd := exec.CommandContext(ctx, p.Binary, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("probe failed: %w", err)
	}
	var payload struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		return 0, fmt.Errorf("probe output not parseable: %w", err)
	}
	d, err := strconv.ParseFloat(payload.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("probe duration %q: %w", payload.Format.Duration, err)
	}
	return d, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package scanner enumerates recordings on flex volumes and applies the
// selection policy. The scanner is stateless and never writes; a missing
// mount is a soft failure reported through the diagnostic so the dispatcher
// can mark the per-volume sub-job skipped instead of failed.
package scanner

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/communitymedia/captiond/internal/fsops"
	"github.com/communitymedia/captiond/internal/log"
	"github.com/communitymedia/captiond/internal/model"
)

var ErrVolumeUnavailable = errors.New("scanner: volume unavailable")

// Policy selects which recordings a scan returns.
type Policy struct {
	RecentN             int
	MinSizeBytes        int64
	Extensions          []string
	SkipIfCaptionExists bool
	SubtreePriority     []string
	ScanTimeout         time.Duration
}

// DefaultPolicy mirrors the operator defaults.
func DefaultPolicy() Policy {
	return Policy{
		RecentN:             5,
		MinSizeBytes:        10 << 20,
		Extensions:          []string{"mp4", "mov", "mkv", "m4v"},
		SkipIfCaptionExists: true,
		SubtreePriority:     []string{"recordings"},
		ScanTimeout:         10 * time.Second,
	}
}

// Diagnostic is the structured scan outcome attached to per-volume results.
type Diagnostic struct {
	VolumeID    string   `json:"volumeId"`
	Code        string   `json:"code"` // "ok" | "volume_unavailable"
	Message     string   `json:"message,omitempty"`
	SkippedDirs []string `json:"skippedDirs,omitempty"`
	Considered  int      `json:"considered"`
}

// Scanner walks volumes through the filesystem capability.
type Scanner struct {
	fs fsops.FS
}

func New(filesystem fsops.FS) *Scanner {
	if filesystem == nil {
		filesystem = fsops.Disk{}
	}
	return &Scanner{fs: filesystem}
}

// Scan returns the candidate recordings for one volume, ordered by mtime
// descending with stable path tiebreak, truncated to policy.RecentN.
//
// ErrVolumeUnavailable is returned (with an empty list and a diagnostic)
// when the mount is absent or unresponsive within policy.ScanTimeout.
// Unreadable subtrees are skipped with a warning, never fatal.
func (s *Scanner) Scan(ctx context.Context, vol model.StorageVolume, pol Policy) ([]model.Recording, Diagnostic, error) {
	logger := log.WithComponentFromContext(ctx, "scanner")
	diag := Diagnostic{VolumeID: vol.ID, Code: "ok"}

	if err := s.probe(ctx, vol.MountPath, pol.ScanTimeout); err != nil {
		diag.Code = "volume_unavailable"
		diag.Message = err.Error()
		logger.Warn().
			Str(log.FieldEvent, "scan.unavailable").
			Str(log.FieldVolume, vol.ID).
			Str(log.FieldPath, vol.MountPath).
			Err(err).
			Msg("volume not reachable within scan timeout")
		return nil, diag, ErrVolumeUnavailable
	}

	exts := make(map[string]bool, len(pol.Extensions))
	for _, e := range pol.Extensions {
		exts[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}

	roots := make([]string, 0, len(pol.SubtreePriority)+1)
	for _, sub := range pol.SubtreePriority {
		roots = append(roots, filepath.Join(vol.MountPath, sub))
	}
	roots = append(roots, vol.MountPath)

	seen := make(map[string]bool)
	var candidates []model.Recording
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return nil, diag, err
		}
		s.walk(ctx, root, vol, pol, exts, seen, &candidates, &diag)
	}
	diag.Considered = len(candidates)

	// mtime descending, stable by absolute path.
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].ModTime.Equal(candidates[j].ModTime) {
			return candidates[i].ModTime.After(candidates[j].ModTime)
		}
		return candidates[i].AbsolutePath < candidates[j].AbsolutePath
	})

	if pol.RecentN > 0 && len(candidates) > pol.RecentN {
		candidates = candidates[:pol.RecentN]
	}

	logger.Info().
		Str(log.FieldEvent, "scan.done").
		Str(log.FieldVolume, vol.ID).
		Int("selected", len(candidates)).
		Int("considered", diag.Considered).
		Msg("volume scan complete")
	return candidates, diag, nil
}

// probe stats the mount point with a hard deadline. NFS mounts that hang
// must not stall the whole fan-out.
func (s *Scanner) probe(ctx context.Context, mount string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	done := make(chan error, 1)
	go func() {
		info, err := s.fs.Stat(mount)
		if err == nil && !info.IsDir() {
			err = errors.New("mount path is not a directory")
		}
		done <- err
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errors.New("stat timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scanner) walk(ctx context.Context, dir string, vol model.StorageVolume, pol Policy, exts map[string]bool, seen map[string]bool, out *[]model.Recording, diag *Diagnostic) {
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		// Unreadable subtree: record and move on.
		diag.SkippedDirs = append(diag.SkippedDirs, dir)
		logger := log.WithComponentFromContext(ctx, "scanner")
		logger.Warn().
			Str(log.FieldEvent, "scan.skip_dir").
			Str(log.FieldVolume, vol.ID).
			Str(log.FieldPath, dir).
			Err(err).
			Msg("skipping unreadable directory")
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		path := filepath.Join(dir, entry.Name())
		if seen[path] {
			continue
		}
		seen[path] = true
		if entry.IsDir() {
			s.walk(ctx, path, vol, pol, exts, seen, out, diag)
			continue
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(entry.Name()), "."))
		if !exts[ext] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		// Boundary is exclusive: a file exactly at the minimum is a fragment.
		if info.Size() <= pol.MinSizeBytes {
			continue
		}
		if pol.SkipIfCaptionExists && s.captionExists(path) {
			continue
		}
		rec := model.Recording{
			VolumeID:     vol.ID,
			VolumeLabel:  vol.Label,
			AbsolutePath: path,
			Filename:     entry.Name(),
			SizeBytes:    info.Size(),
			ModTime:      info.ModTime(),
			Ext:          ext,
		}
		rec.Fingerprint = Fingerprint(rec)
		*out = append(*out, rec)
	}
}

// captionExists reports whether a non-empty sibling SCC file is present.
func (s *Scanner) captionExists(videoPath string) bool {
	info, err := s.fs.Stat(SidecarPath(videoPath))
	return err == nil && info.Size() > 0
}

// SidecarPath maps /mnt/vol/.../name.mp4 to /mnt/vol/.../name.scc.
func SidecarPath(videoPath string) string {
	ext := filepath.Ext(videoPath)
	return strings.TrimSuffix(videoPath, ext) + ".scc"
}

package pipeline

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/communitymedia/captiond/internal/cablecast"
	"github.com/communitymedia/captiond/internal/model"
)

// ShowLister is the read-only slice of the VOD service show matching needs.
type ShowLister interface {
	ListShows(ctx context.Context, filter cablecast.ShowFilter) ([]cablecast.Show, error)
}

var (
	dateCompact = regexp.MustCompile(`(20\d{2})(\d{2})(\d{2})`)
	dateDashed  = regexp.MustCompile(`(20\d{2})-(\d{2})-(\d{2})`)
	tokenSplit  = regexp.MustCompile(`[\s_\-.]+`)
)

// MatchShow resolves a recording to a Cablecast show using the volume label,
// the filename label, and the recording date. Only an unambiguous single
// candidate matches; anything else returns found=false and the caller
// uploads unattached rather than guessing.
func MatchShow(ctx context.Context, svc ShowLister, rec model.Recording) (int, bool, error) {
	date, ok := recordingDate(rec)
	if !ok {
		date = rec.ModTime.UTC()
	}
	label := recordingLabel(rec)
	if label == "" {
		return 0, false, nil
	}

	// One day of slack on each side covers late-night events that cross
	// midnight and filenames stamped at export time.
	shows, err := svc.ListShows(ctx, cablecast.ShowFilter{
		Search: label,
		After:  date.AddDate(0, 0, -1),
		Before: date.AddDate(0, 0, 2),
	})
	if err != nil {
		return 0, false, err
	}

	var candidates []cablecast.Show
	for _, s := range shows {
		if !volumeMatches(rec.VolumeLabel, s.Project) {
			continue
		}
		if labelMatches(label, s.Title) && dateClose(date, s.EventDate) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) != 1 {
		return 0, false, nil
	}
	return candidates[0].ID, true, nil
}

// recordingDate extracts a date from the filename. Compact (20240115) and
// dashed (2024-01-15) forms are both produced by the station's recorders.
func recordingDate(rec model.Recording) (time.Time, bool) {
	name := rec.Filename
	if m := dateDashed.FindStringSubmatch(name); m != nil {
		if t, err := time.Parse("2006-01-02", m[1]+"-"+m[2]+"-"+m[3]); err == nil {
			return t, true
		}
	}
	if m := dateCompact.FindStringSubmatch(name); m != nil {
		if t, err := time.Parse("20060102", m[1]+m[2]+m[3]); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// recordingLabel strips the extension and any date stamp, leaving the
// human label the operator typed into the recorder.
func recordingLabel(rec model.Recording) string {
	name := strings.TrimSuffix(rec.Filename, filepath.Ext(rec.Filename))
	name = dateDashed.ReplaceAllString(name, " ")
	name = dateCompact.ReplaceAllString(name, " ")
	return strings.TrimSpace(tokenSplit.ReplaceAllString(name, " "))
}

// labelMatches requires every label token to appear in the show title,
// case-insensitively.
func labelMatches(label, title string) bool {
	titleLower := strings.ToLower(title)
	for _, tok := range tokenSplit.Split(strings.ToLower(label), -1) {
		if tok == "" {
			continue
		}
		if !strings.Contains(titleLower, tok) {
			return false
		}
	}
	return true
}

// volumeMatches ties the candidate to the producing channel: the volume
// label names the municipality the flex server records for, and the show's
// project carries the same label on the Cablecast side. Either side being
// blank disables the check.
func volumeMatches(volumeLabel, project string) bool {
	if volumeLabel == "" || project == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(volumeLabel), strings.TrimSpace(project))
}

func dateClose(a, b time.Time) bool {
	if b.IsZero() {
		return true
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= 36*time.Hour
}

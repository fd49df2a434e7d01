package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communitymedia/captiond/internal/cablecast"
	"github.com/communitymedia/captiond/internal/model"
)

type fakeShowLister struct {
	shows  []cablecast.Show
	err    error
	filter cablecast.ShowFilter
}

func (f *fakeShowLister) ListShows(ctx context.Context, filter cablecast.ShowFilter) ([]cablecast.Show, error) {
	f.filter = filter
	return f.shows, f.err
}

func rec(filename string, mtime time.Time) model.Recording {
	return model.Recording{
		VolumeID:     "flex1",
		AbsolutePath: "/mnt/flex1/" + filename,
		Filename:     filename,
		ModTime:      mtime,
	}
}

func TestRecordingDate(t *testing.T) {
	cases := []struct {
		name string
		want string
		ok   bool
	}{
		{"city_council_20260815.mp4", "2026-08-15", true},
		{"city council 2026-08-15.mp4", "2026-08-15", true},
		{"planning_board.mp4", "", false},
		// Eight digits that are not a plausible date are ignored.
		{"feed_19999999.mp4", "", false},
	}
	for _, c := range cases {
		got, ok := recordingDate(rec(c.name, time.Now()))
		require.Equalf(t, c.ok, ok, "file %s", c.name)
		if ok {
			assert.Equal(t, c.want, got.Format("2006-01-02"))
		}
	}
}

func TestRecordingLabelStripsDateAndSeparators(t *testing.T) {
	assert.Equal(t, "city council", recordingLabel(rec("city_council_20260815.mp4", time.Now())))
	assert.Equal(t, "school board", recordingLabel(rec("school-board-2026-08-15.mp4", time.Now())))
	assert.Equal(t, "gala", recordingLabel(rec("gala.mp4", time.Now())))
}

func TestMatchShowUnambiguousMatch(t *testing.T) {
	date := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	lister := &fakeShowLister{shows: []cablecast.Show{
		{ID: 10, Title: "City Council Regular Meeting", EventDate: date},
		{ID: 11, Title: "School Board Workshop", EventDate: date},
	}}

	id, found, err := MatchShow(context.Background(), lister, rec("city_council_20260815.mp4", time.Now()))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 10, id)
	assert.Equal(t, "city council", lister.filter.Search)
	assert.False(t, lister.filter.After.IsZero())
}

func TestMatchShowAmbiguityRefusesToGuess(t *testing.T) {
	date := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	lister := &fakeShowLister{shows: []cablecast.Show{
		{ID: 10, Title: "City Council Regular Meeting", EventDate: date},
		{ID: 12, Title: "City Council Special Session", EventDate: date},
	}}

	_, found, err := MatchShow(context.Background(), lister, rec("city_council_20260815.mp4", time.Now()))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMatchShowRejectsDistantDates(t *testing.T) {
	lister := &fakeShowLister{shows: []cablecast.Show{
		{ID: 10, Title: "City Council Regular Meeting", EventDate: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)},
	}}
	_, found, err := MatchShow(context.Background(), lister, rec("city_council_20260815.mp4", time.Now()))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMatchShowFallsBackToModTime(t *testing.T) {
	mtime := time.Date(2026, 8, 15, 19, 30, 0, 0, time.UTC)
	lister := &fakeShowLister{shows: []cablecast.Show{
		{ID: 10, Title: "Gala Night", EventDate: time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)},
	}}
	id, found, err := MatchShow(context.Background(), lister, rec("gala.mp4", mtime))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 10, id)
}

func TestMatchShowPropagatesListError(t *testing.T) {
	boom := errors.New("api down")
	lister := &fakeShowLister{err: boom}
	_, _, err := MatchShow(context.Background(), lister, rec("city_council_20260815.mp4", time.Now()))
	assert.ErrorIs(t, err, boom)
}

func TestMatchShowRequiresVolumeProject(t *testing.T) {
	date := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	lister := &fakeShowLister{shows: []cablecast.Show{
		{ID: 10, Title: "City Council Regular Meeting", Project: "Shelburne", EventDate: date},
	}}

	// A recording from the Springfield flex must not bind to a Shelburne show
	// even when title and date line up.
	r := rec("city_council_20260815.mp4", time.Now())
	r.VolumeLabel = "Springfield"
	_, found, err := MatchShow(context.Background(), lister, r)
	require.NoError(t, err)
	assert.False(t, found)

	r.VolumeLabel = "shelburne" // case-insensitive
	id, found, err := MatchShow(context.Background(), lister, r)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 10, id)
}

func TestMatchShowUnlabeledVolumeSkipsProjectCheck(t *testing.T) {
	date := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	lister := &fakeShowLister{shows: []cablecast.Show{
		{ID: 10, Title: "City Council Regular Meeting", Project: "Shelburne", EventDate: date},
	}}
	id, found, err := MatchShow(context.Background(), lister, rec("city_council_20260815.mp4", time.Now()))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 10, id)
}

func TestMatchShowEmptyLabelNeverMatches(t *testing.T) {
	lister := &fakeShowLister{shows: []cablecast.Show{{ID: 1, Title: "Anything"}}}
	_, found, err := MatchShow(context.Background(), lister, rec("20260815.mp4", time.Now()))
	require.NoError(t, err)
	assert.False(t, found)
}

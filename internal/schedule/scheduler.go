// Package schedule fires job templates on cron expressions. It never runs
// work itself: every firing is an enqueue, so all execution policy stays
// with the queue.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/communitymedia/captiond/internal/config"
	"github.com/communitymedia/captiond/internal/log"
	"github.com/communitymedia/captiond/internal/model"
	"github.com/communitymedia/captiond/internal/queue"
	"github.com/communitymedia/captiond/internal/store"
)

// Enqueuer is the single queue operation the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, template string, payload model.Payload, opts queue.EnqueueOptions) (string, error)
}

// entry is one compiled schedule line.
type entry struct {
	name     string
	template string
	spec     string
	schedule cron.Schedule
	payload  model.Payload
}

// Scheduler evaluates cron entries against a persisted last-fired watermark,
// so firings survive restarts and a bounded catch-up window replays at most
// one missed firing per entry.
type Scheduler struct {
	store    store.Store
	enqueuer Enqueuer
	entries  []entry
	catchup  time.Duration
	tick     time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New compiles the configured entries. Unparseable cron expressions and
// unknown timezones are startup errors.
func New(st store.Store, enq Enqueuer, cfg config.ScheduleConfig) (*Scheduler, error) {
	s := &Scheduler{
		store:    st,
		enqueuer: enq,
		catchup:  cfg.CatchupWindow.Std(),
		tick:     30 * time.Second,
		now:      time.Now,
		logger:   log.WithComponent("schedule"),
	}
	if s.catchup <= 0 {
		s.catchup = time.Hour
	}
	for _, e := range cfg.Entries {
		tz := e.Timezone
		if tz == "" {
			tz = cfg.Timezone
		}
		if tz == "" {
			tz = "UTC"
		}
		spec := e.Cron
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("schedule %q: unknown timezone %q: %w", e.Name, tz, err)
		}
		sched, err := parser.Parse("CRON_TZ=" + tz + " " + spec)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: bad cron %q: %w", e.Name, spec, err)
		}
		template := e.Template
		if template == "" {
			template = e.Name
		}
		s.entries = append(s.entries, entry{
			name:     e.Name,
			template: template,
			spec:     spec,
			schedule: sched,
			payload:  e.Payload,
		})
	}
	return s, nil
}

// Run evaluates all entries on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info().
		Str(log.FieldEvent, "schedule.start").
		Int("entries", len(s.entries)).
		Msg("scheduler started")
	s.Evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Evaluate(ctx)
		}
	}
}

// Evaluate checks every entry once. Exported so a single pass can be
// driven directly in tests and by the ops trigger path.
func (s *Scheduler) Evaluate(ctx context.Context) {
	for i := range s.entries {
		s.evaluateEntry(ctx, &s.entries[i])
	}
}

func (s *Scheduler) evaluateEntry(ctx context.Context, e *entry) {
	now := s.now().UTC()
	last, found, err := s.store.LastFired(ctx, e.name)
	if err != nil {
		s.logger.Error().Err(err).Str("entry", e.name).Msg("last-fired read failed")
		return
	}
	if !found || last.IsZero() {
		// First run ever: baseline to now without firing, otherwise an
		// install at 23:59 would immediately replay the whole day.
		if err := s.store.SetLastFired(ctx, e.name, now); err != nil {
			s.logger.Error().Err(err).Str("entry", e.name).Msg("baseline write failed")
		}
		return
	}

	// Walk forward over every firing between the watermark and now,
	// keeping only the most recent one.
	var due time.Time
	missed := 0
	for next := e.schedule.Next(last); !next.After(now); next = e.schedule.Next(next) {
		due = next
		missed++
		if missed > 10000 {
			// Watermark absurdly far in the past (clock jump). Re-baseline.
			due = time.Time{}
			break
		}
	}
	if missed > 10000 {
		s.logger.Warn().
			Str("entry", e.name).
			Time("last_fired", last).
			Msg("watermark too old, re-baselining without firing")
		_ = s.store.SetLastFired(ctx, e.name, now)
		return
	}
	if due.IsZero() {
		return
	}

	if now.Sub(due) > s.catchup {
		firingsSkipped.WithLabelValues(e.name).Inc()
		s.logger.Warn().
			Str(log.FieldEvent, "schedule.skip").
			Str("entry", e.name).
			Time("due", due).
			Dur("age", now.Sub(due)).
			Msg("missed firing outside catch-up window, skipped")
		if err := s.store.SetLastFired(ctx, e.name, due); err != nil {
			s.logger.Error().Err(err).Str("entry", e.name).Msg("watermark write failed")
		}
		return
	}

	s.fire(ctx, e, due)
}

func (s *Scheduler) fire(ctx context.Context, e *entry, due time.Time) {
	// The synthetic fingerprint is per entry, not per template: a morning
	// and an evening sweep of the same template must not suppress each
	// other, but double firings of one entry (restart races, clock skew
	// between evaluation passes) collapse into the active job.
	_, err := s.enqueuer.Enqueue(ctx, e.template, e.payload, queue.EnqueueOptions{
		Fingerprint: "tmpl/" + e.name,
	})
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		firingsSuppressed.WithLabelValues(e.name).Inc()
		s.logger.Info().
			Str(log.FieldEvent, "schedule.suppressed").
			Str("entry", e.name).
			Msg("previous firing still active, suppressed")
	case err != nil:
		s.logger.Error().Err(err).
			Str(log.FieldEvent, "schedule.fire_failed").
			Str("entry", e.name).
			Msg("enqueue failed, watermark left untouched for retry")
		return
	default:
		firings.WithLabelValues(e.name).Inc()
		s.logger.Info().
			Str(log.FieldEvent, "schedule.fire").
			Str("entry", e.name).
			Time("due", due).
			Msg("schedule fired")
	}
	if err := s.store.SetLastFired(ctx, e.name, due); err != nil {
		s.logger.Error().Err(err).Str("entry", e.name).Msg("watermark write failed")
	}
}

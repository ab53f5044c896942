package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// TimeOfDay is a wall-clock time in the scheduler's location.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM" in 24-hour form.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	v, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return TimeOfDay{Hour: v.Hour(), Minute: v.Minute()}, nil
}

// DefaultTimes are midnight and 08:00.
var DefaultTimes = []TimeOfDay{{0, 0}, {8, 0}}

// DefaultCaption accompanies scheduled archives.
const DefaultCaption = "Scheduled backup of the database and uploads"

// Creator creates archives. *Archiver implements it.
type Creator interface {
	Create(ctx context.Context) (string, error)
}

// Deliverer hands archives to the admin chat. *bot.Manager implements it.
type Deliverer interface {
	CanDeliverArchive() bool
	SendArchive(ctx context.Context, path, caption string)
}

// Scheduler creates and delivers an archive at each of Times in Location.
type Scheduler struct {
	Archiver Creator
	Bot      Deliverer
	Times    []TimeOfDay
	Location *time.Location
	Caption  string
	Log      zerolog.Logger
	Now      func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run blocks until ctx is cancelled, running RunOnce at every scheduled time.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.Times) == 0 {
		return errors.New("backup schedule is empty")
	}
	for {
		now := s.now()
		next := nextRun(now, s.Times, s.location())
		s.Log.Debug().Time("next_run", next).Msg("backup scheduled")

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Scheduler) location() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.Local
}

// RunOnce creates an archive and delivers it, then removes it. Without a
// running bot or an admin chat the run is skipped with a warning.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if !s.Bot.CanDeliverArchive() {
		s.Log.Warn().Msg("skip backup: bot token or admin chat not configured")
		return
	}
	path, err := s.Archiver.Create(ctx)
	if err != nil {
		s.Log.Error().Err(err).Msg("failed to create scheduled backup")
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			s.Log.Warn().Err(err).Str("path", path).Msg("failed to remove delivered backup")
		}
	}()

	caption := s.Caption
	if caption == "" {
		caption = DefaultCaption
	}
	s.Bot.SendArchive(ctx, path, caption)
}

// nextRun returns the earliest scheduled instant strictly after now.
func nextRun(now time.Time, times []TimeOfDay, loc *time.Location) time.Time {
	local := now.In(loc)
	sorted := append([]TimeOfDay(nil), times...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Hour != sorted[j].Hour {
			return sorted[i].Hour < sorted[j].Hour
		}
		return sorted[i].Minute < sorted[j].Minute
	})
	for day := 0; day <= 1; day++ {
		for _, t := range sorted {
			at := time.Date(local.Year(), local.Month(), local.Day()+day, t.Hour, t.Minute, 0, 0, loc)
			if at.After(local) {
				return at
			}
		}
	}
	return time.Time{}
}

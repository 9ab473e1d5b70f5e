// Package autoclear resets the signal board on a fixed schedule so
// signals left on overnight do not greet the morning shift.
package autoclear

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Source tags ledger entries produced by the scheduled clear.
const Source = "autoclear"

const runTimeout = 30 * time.Second

// Board is the slice of the application state the scheduler drives.
type Board interface {
	ClearAll(ctx context.Context, source string) ([]string, error)
}

// Scheduler clears every room when the cron schedule fires.
type Scheduler struct {
	cron     *cron.Cron
	board    Board
	schedule string
}

// New validates the schedule and registers the clear job. The schedule
// uses six fields, seconds first.
func New(board Board, schedule string) (*Scheduler, error) {
	c := cron.New(cron.WithSeconds())
	s := &Scheduler{cron: c, board: board, schedule: schedule}
	if _, err := c.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid autoclear schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins firing the schedule in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Str("schedule", s.schedule).Msg("Autoclear scheduler started")
}

// Stop halts the schedule. A run already in progress finishes.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Info().Msg("Autoclear scheduler stopped")
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	cleared, err := s.board.ClearAll(ctx, Source)
	if err != nil {
		log.Error().Err(err).Int("cleared", len(cleared)).Msg("Scheduled clear failed")
		return
	}
	log.Info().Int("rooms", len(cleared)).Msg("Scheduled clear completed")
}

// Package schedule starts report sessions on cron expressions.
package schedule

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Entry pairs a cron expression with the query it launches.
type Entry struct {
	Spec  string `json:"spec" mapstructure:"spec"`
	Query string `json:"query" mapstructure:"query"`
}

// Starter launches one session and returns its id. *session.Manager is
// the production implementation.
type Starter interface {
	Start(query string) (string, error)
}

// Scheduler runs configured entries against a session starter.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	logger  zerolog.Logger
	entries int
}

// New creates a scheduler; entries with invalid specs are rejected.
func New(starter Starter, entries []Entry, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		starter: starter,
		logger:  logger,
	}

	for _, entry := range entries {
		if entry.Query == "" {
			return nil, fmt.Errorf("schedule %q has no query", entry.Spec)
		}
		e := entry
		_, err := s.cron.AddFunc(e.Spec, func() { s.fire(e) })
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", e.Spec, err)
		}
		s.entries++
	}

	return s, nil
}

func (s *Scheduler) fire(e Entry) {
	id, err := s.starter.Start(e.Query)
	if err != nil {
		s.logger.Error().Err(err).Str("spec", e.Spec).Msg("Scheduled session failed to start")
		return
	}
	s.logger.Info().Str("spec", e.Spec).Str("session", id).Msg("Scheduled session started")
}

// Entries reports how many schedules are registered.
func (s *Scheduler) Entries() int {
	return s.entries
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("entries", s.entries).Msg("Scheduler started")
}

// Stop ends scheduling; running sessions are unaffected.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}

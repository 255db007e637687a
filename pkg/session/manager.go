// Package session owns the table of running report sessions and the
// control surface over them: start, abort, list, stream.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hyunwoo/reportd/internal/metrics"
	"github.com/hyunwoo/reportd/pkg/agent"
	"github.com/hyunwoo/reportd/pkg/events"
	"github.com/hyunwoo/reportd/pkg/peer"
)

// Session is one running or finished report session.
type Session struct {
	ID        string
	Query     string
	StartedAt time.Time

	cancelled atomic.Bool
	finished  atomic.Bool
	cancel    context.CancelFunc
	sink      *events.Sink
	done      chan struct{}
	outcome   agent.Outcome
}

// ActiveSession is the listing view of a running session.
type ActiveSession struct {
	ID        string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Query     string    `json:"query"`
}

// Manager owns every session. Collaborators receive it by reference;
// there is no ambient session table.
type Manager struct {
	sup    *peer.Supervisor
	inv    agent.ToolInvoker
	dm     agent.DecisionMaker
	met    *metrics.Metrics
	logger zerolog.Logger

	softCeiling int
	hardCeiling int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithHardCeiling sets the total-turn fail-safe, clamped to a sane
// range.
func WithHardCeiling(n int) Option {
	return func(m *Manager) {
		if n < 25 {
			n = 25
		}
		if n > 100 {
			n = 100
		}
		m.hardCeiling = n
	}
}

// WithSoftCeiling sets the content-policy iteration ceiling.
func WithSoftCeiling(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.softCeiling = n
		}
	}
}

// NewManager creates an empty session manager. met may be nil.
func NewManager(sup *peer.Supervisor, inv agent.ToolInvoker, dm agent.DecisionMaker, met *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		sup:         sup,
		inv:         inv,
		dm:          dm,
		met:         met,
		logger:      logger,
		softCeiling: agent.DefaultSoftCeiling,
		hardCeiling: agent.DefaultHardCeiling,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches a new session and returns its id immediately; the
// loop runs in its own goroutine.
func (m *Manager) Start(query string) (string, error) {
	if query == "" {
		return "", fmt.Errorf("query cannot be empty")
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		Query:     query,
		StartedAt: time.Now(),
		cancel:    cancel,
		sink:      events.NewSink(id),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if m.met != nil {
		m.met.SessionsTotal.Inc()
		m.met.SessionsActive.Inc()
	}
	m.logger.Info().Str("session", id).Str("query", query).Msg("Session started")

	go m.run(ctx, s)
	return id, nil
}

func (m *Manager) run(ctx context.Context, s *Session) {
	defer func() {
		s.finished.Store(true)
		s.sink.Close()
		if m.met != nil {
			m.met.SessionsActive.Dec()
			m.met.SessionsCompleted.WithLabelValues(string(s.outcome.State)).Inc()
			m.met.EventsDroppedTotal.Add(float64(s.sink.Dropped()))
		}
		close(s.done)
	}()

	logger := m.logger.With().Str("session", s.ID).Logger()

	dm := m.dm
	if m.met != nil {
		dm = countingDecisionMaker{DecisionMaker: dm, turns: m.met.DecisionTurnsTotal}
	}

	toolset := agent.BuildToolset(ctx, m.sup, logger)
	loop := agent.NewLoop(dm, m.inv, toolset, s.sink, &s.cancelled, logger,
		agent.WithSoftCeiling(m.softCeiling),
		agent.WithHardCeiling(m.hardCeiling),
	)

	s.outcome = loop.Run(ctx, s.Query)
}

// countingDecisionMaker counts decision calls without touching the
// provider's behavior.
type countingDecisionMaker struct {
	agent.DecisionMaker
	turns prometheus.Counter
}

func (c countingDecisionMaker) Decide(ctx context.Context, transcript []agent.Turn, tools []agent.ToolSchema) (*agent.Decision, error) {
	c.turns.Inc()
	return c.DecisionMaker.Decide(ctx, transcript, tools)
}

// Abort requests cancellation of a session. It returns false when the
// session is unknown or already finished. In-flight peer calls are not
// killed; the loop exits at its next suspension point.
func (m *Manager) Abort(id string) bool {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok || s.finished.Load() {
		return false
	}

	s.cancelled.Store(true)
	s.cancel()
	m.logger.Info().Str("session", id).Msg("Session abort requested")
	return true
}

// ListActive returns the running sessions, oldest first.
func (m *Manager) ListActive() []ActiveSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make([]ActiveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.finished.Load() {
			continue
		}
		active = append(active, ActiveSession{
			ID:        s.ID,
			StartedAt: s.StartedAt,
			Query:     s.Query,
		})
	}
	sort.Slice(active, func(i, j int) bool { return active[i].StartedAt.Before(active[j].StartedAt) })
	return active
}

// Events hands out the session's event stream. The stream closes when
// the session finishes; there must be a single consumer.
func (m *Manager) Events(id string) (<-chan events.Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.sink.Events(), true
}

// Wait blocks until the session finishes and returns its outcome.
func (m *Manager) Wait(id string) (agent.Outcome, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return agent.Outcome{}, false
	}
	<-s.done
	return s.outcome, true
}

// Outcome returns the result of a finished session.
func (m *Manager) Outcome(id string) (agent.Outcome, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok || !s.finished.Load() {
		return agent.Outcome{}, false
	}
	return s.outcome, true
}

// Prune drops finished sessions older than the retention window and
// reports how many were removed.
func (m *Manager) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.finished.Load() && s.StartedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("Pruned finished sessions")
	}
	return removed
}

package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyunwoo/reportd/internal/metrics"
)

// DefaultStopGrace is how long Stop waits for a peer to exit after
// SIGTERM before killing it.
const DefaultStopGrace = 5 * time.Second

// Supervisor owns the catalog of configured peers and their running
// processes. It is the only component that creates, starts or stops
// peer processes; collaborators receive it by reference.
type Supervisor struct {
	logger      zerolog.Logger
	callTimeout time.Duration
	stopGrace   time.Duration
	met         *metrics.Metrics

	mu      sync.RWMutex
	configs map[string]Config
	running map[string]*Peer
	starts  map[string]*startAttempt
	tools   map[string][]ToolDescriptor
}

// startAttempt lets concurrent Start callers share one spawn+handshake
// instead of racing to install competing processes.
type startAttempt struct {
	done chan struct{}
	err  error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithCallTimeout overrides the default per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.callTimeout = d }
}

// WithStopGrace overrides the graceful termination window.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.stopGrace = d }
}

// WithMetrics attaches daemon metrics for peer start and lifetime
// tracking.
func WithMetrics(met *metrics.Metrics) Option {
	return func(s *Supervisor) { s.met = met }
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(logger zerolog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:      logger,
		callTimeout: DefaultCallTimeout,
		stopGrace:   DefaultStopGrace,
		configs:     make(map[string]Config),
		running:     make(map[string]*Peer),
		starts:      make(map[string]*startAttempt),
		tools:       make(map[string][]ToolDescriptor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register stores a peer configuration. Registering a name that already
// exists is a no-op.
func (s *Supervisor) Register(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("peer name is required")
	}
	if cfg.Command == "" {
		return fmt.Errorf("peer %s has no command", cfg.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.configs[cfg.Name]; exists {
		s.logger.Info().Str("peer", cfg.Name).Msg("Peer already registered, keeping existing config")
		return nil
	}

	s.configs[cfg.Name] = cfg
	s.logger.Info().Str("peer", cfg.Name).Str("command", cfg.Command).Msg("Peer registered")
	return nil
}

// Replace stops any running instance of the peer and installs a new
// config. Used by the config watcher for dynamic updates.
func (s *Supervisor) Replace(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("peer name is required")
	}

	_ = s.Stop(cfg.Name)

	s.mu.Lock()
	s.configs[cfg.Name] = cfg
	s.mu.Unlock()

	s.logger.Info().Str("peer", cfg.Name).Msg("Peer config replaced")
	return nil
}

// Deregister stops the peer and removes it from the catalog.
func (s *Supervisor) Deregister(name string) {
	_ = s.Stop(name)

	s.mu.Lock()
	delete(s.configs, name)
	delete(s.tools, name)
	s.mu.Unlock()

	s.logger.Info().Str("peer", name).Msg("Peer deregistered")
}

// Start launches the named peer and performs the initialize handshake.
// Starting a running peer is a no-op returning success; callers that
// race into a start in progress wait for it and share its outcome, so
// one name never has two processes. On any failure the peer is left
// stopped; there is no half-open state to retry into.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	s.mu.Lock()
	if p, ok := s.running[name]; ok && p.Status() == StatusRunning {
		s.mu.Unlock()
		return nil
	}

	if att, ok := s.starts[name]; ok {
		s.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cfg, ok := s.configs[name]
	if !ok {
		s.mu.Unlock()
		return &LaunchError{Peer: name, Err: fmt.Errorf("unknown peer")}
	}

	att := &startAttempt{done: make(chan struct{})}
	s.starts[name] = att
	p := newPeer(cfg, s.logger)
	p.setStatus(StatusStarting)
	s.running[name] = p
	s.mu.Unlock()

	att.err = s.launch(ctx, name, p)

	s.mu.Lock()
	delete(s.starts, name)
	s.mu.Unlock()
	close(att.done)

	return att.err
}

func (s *Supervisor) launch(ctx context.Context, name string, p *Peer) error {
	if err := p.spawn(); err != nil {
		s.forget(name)
		s.countStart(name, "failure")
		s.logger.Error().Err(err).Str("peer", name).Msg("Failed to launch peer")
		return err
	}

	if err := p.handshake(ctx, s.callTimeout); err != nil {
		_ = p.stop(s.stopGrace)
		s.forget(name)
		s.countStart(name, "failure")
		s.logger.Error().Err(err).Str("peer", name).Msg("Peer handshake failed")
		return err
	}

	p.setStatus(StatusRunning)
	s.countStart(name, "success")
	if s.met != nil {
		s.met.PeersRunning.Inc()
	}
	s.logger.Info().Str("peer", name).Msg("Peer running")
	return nil
}

func (s *Supervisor) countStart(name, status string) {
	if s.met != nil {
		s.met.PeerStartsTotal.WithLabelValues(name, status).Inc()
	}
}

func (s *Supervisor) forget(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

// Stop terminates the named peer, waiting up to the grace period before
// killing it. The peer leaves the running set whatever happens. Stopping
// restarts the tool cache too, since a restarted peer may expose a
// different tool set.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	p, ok := s.running[name]
	delete(s.running, name)
	delete(s.tools, name)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if s.met != nil {
		s.met.PeersRunning.Dec()
	}

	err := p.stop(s.stopGrace)
	if err != nil {
		s.logger.Warn().Err(err).Str("peer", name).Msg("Peer did not stop cleanly")
	} else {
		s.logger.Info().Str("peer", name).Msg("Peer stopped")
	}
	return err
}

// ShutdownAll stops every running peer. One stuck peer cannot block the
// others; failures are logged and the last one returned.
func (s *Supervisor) ShutdownAll() error {
	s.mu.RLock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	s.mu.RUnlock()

	var lastErr error
	for _, name := range names {
		if err := s.Stop(name); err != nil {
			lastErr = err
		}
	}

	s.logger.Info().Int("peers", len(names)).Msg("All peers shut down")
	return lastErr
}

// Get returns the running peer, starting it if necessary.
func (s *Supervisor) Get(ctx context.Context, name string) (*Peer, error) {
	if err := s.Start(ctx, name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.running[name]
	if !ok {
		return nil, &LaunchError{Peer: name, Err: fmt.Errorf("peer not running")}
	}
	return p, nil
}

// Call ensures the peer is started and issues one request through its
// call gate.
func (s *Supervisor) Call(ctx context.Context, name, method string, params interface{}) (*Envelope, error) {
	p, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return p.Call(ctx, method, params, s.callTimeout)
}

// ListTools ensures the peer is started and fetches its tool list,
// refreshing the per-peer cache on every call.
func (s *Supervisor) ListTools(ctx context.Context, name string) ([]ToolDescriptor, error) {
	resp, err := s.Call(ctx, name, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list on peer %s: %w", name, resp.Error)
	}

	var listResult struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		return nil, &ProtocolError{Peer: name, Err: err}
	}

	for i := range listResult.Tools {
		listResult.Tools[i].Parameters = parseToolParameters(listResult.Tools[i].InputSchema)
	}

	s.mu.Lock()
	s.tools[name] = listResult.Tools
	s.mu.Unlock()

	return listResult.Tools, nil
}

// CachedTools returns the last tool list fetched for a peer, if any.
func (s *Supervisor) CachedTools(name string) ([]ToolDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools, ok := s.tools[name]
	return tools, ok
}

// Tool returns the cached descriptor for one tool on one peer.
func (s *Supervisor) Tool(peerName, toolName string) (ToolDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tools[peerName] {
		if t.Name == toolName {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

// Names returns the registered peer names, sorted.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos returns a status snapshot of every registered peer.
func (s *Supervisor) Infos() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]Info, 0, len(s.configs))
	for name, cfg := range s.configs {
		if p, ok := s.running[name]; ok {
			infos = append(infos, p.Info())
			continue
		}
		infos = append(infos, Info{Config: cfg, Status: StatusStopped})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Config.Name < infos[j].Config.Name })
	return infos
}

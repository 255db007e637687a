package peer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultCallTimeout bounds a single request/response exchange when the
// caller does not pass an explicit timeout.
const DefaultCallTimeout = 30 * time.Second

type reply struct {
	env *Envelope
	err error
}

// Peer owns one running peer process: its config, pipes, negotiated
// capabilities and the per-peer call gate. All requests to the process
// go through Call, which serializes them; nothing else writes to the
// pipes.
type Peer struct {
	cfg    Config
	logger zerolog.Logger

	// gate enforces at most one in-flight request on the wire. The
	// stdio framing has no multiplexing, so concurrent callers queue
	// here rather than interleave.
	gate sync.Mutex

	mu           sync.Mutex
	status       Status
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	writer       *bufio.Writer
	pending      map[string]chan reply
	capabilities []byte
	startedAt    time.Time
	exited       chan struct{}
	exitErr      error
}

func newPeer(cfg Config, logger zerolog.Logger) *Peer {
	return &Peer{
		cfg:     cfg,
		logger:  logger.With().Str("peer", cfg.Name).Logger(),
		status:  StatusStopped,
		pending: make(map[string]chan reply),
	}
}

// Config returns the immutable launch configuration.
func (p *Peer) Config() Config { return p.cfg }

// Status returns the current lifecycle state.
func (p *Peer) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Peer) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// Info returns a snapshot for status reporting.
func (p *Peer) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := Info{
		Config:       p.cfg,
		Status:       p.status,
		StartedAt:    p.startedAt,
		Capabilities: p.capabilities,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		info.PID = p.cmd.Process.Pid
	}
	return info
}

// spawn launches the configured command and wires up the stdio pipes.
func (p *Peer) spawn() error {
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	if p.cfg.WorkingDir != "" {
		cmd.Dir = p.cfg.WorkingDir
	}
	if len(p.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range p.cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &LaunchError{Peer: p.cfg.Name, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &LaunchError{Peer: p.cfg.Name, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &LaunchError{Peer: p.cfg.Name, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &LaunchError{Peer: p.cfg.Name, Err: err}
	}

	p.mu.Lock()
	p.cmd = cmd
	p.startedAt = time.Now()
	p.mu.Unlock()

	p.attach(stdin, stdout)
	go p.drainStderr(stderr)

	exited := make(chan struct{})
	p.mu.Lock()
	p.exited = exited
	p.mu.Unlock()
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(exited)
	}()

	return nil
}

// attach wires the peer to a pipe pair and starts the reader. Split out
// of spawn so tests can run a peer over in-process pipes.
func (p *Peer) attach(stdin io.WriteCloser, stdout io.Reader) {
	p.mu.Lock()
	p.stdin = stdin
	p.writer = bufio.NewWriter(stdin)
	p.mu.Unlock()

	go p.readLoop(bufio.NewReader(stdout))
}

func (p *Peer) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}

// readLoop owns the stdout pipe. It routes responses to pending calls
// by correlation id, resolves the in-flight call with a ProtocolError
// on malformed lines, and logs server-initiated notifications.
func (p *Peer) readLoop(r *bufio.Reader) {
	for {
		env, line, err := readEnvelope(r)
		if err != nil {
			if env == nil && line == "" {
				// Pipe closed: the process is gone, fail whatever is in flight.
				p.failPending(fmt.Errorf("peer %s output closed: %w", p.cfg.Name, err))
				return
			}
			perr := &ProtocolError{Peer: p.cfg.Name, Line: strings.TrimSpace(line), Err: err}
			p.logger.Warn().Err(err).Msg("Discarding malformed line from peer")
			p.failPending(perr)
			continue
		}

		if env.ID != "" {
			p.mu.Lock()
			ch, ok := p.pending[env.ID]
			if ok {
				delete(p.pending, env.ID)
			}
			p.mu.Unlock()

			if ok {
				ch <- reply{env: env}
			} else {
				p.logger.Debug().Str("id", env.ID).Msg("Response for unknown correlation id")
			}
			continue
		}

		if env.IsNotification() {
			p.logger.Debug().Str("method", env.Method).Msg("Peer notification")
		}
	}
}

// failPending resolves every pending call with err. The gate keeps the
// map at one entry at most, so "every" is the single in-flight call.
func (p *Peer) failPending(err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]chan reply)
	p.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

// Call sends one request and waits for its response. The per-peer gate
// blocks concurrent callers; a timeout fails the call but leaves the
// process running, since stdio framing cannot cancel server-side work.
// The returned envelope may carry a peer-reported Error; transport
// failures come back as the error value.
func (p *Peer) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	p.gate.Lock()
	defer p.gate.Unlock()

	id := uuid.NewString()
	ch := make(chan reply, 1)

	p.mu.Lock()
	if p.writer == nil {
		p.mu.Unlock()
		return nil, &LaunchError{Peer: p.cfg.Name, Err: fmt.Errorf("peer is not running")}
	}
	p.pending[id] = ch
	writer := p.writer
	p.mu.Unlock()

	env := &Envelope{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := writeEnvelope(writer, env); err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s to peer %s: %w", method, p.cfg.Name, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rep := <-ch:
		if rep.err != nil {
			return nil, rep.err
		}
		return rep.env, nil
	case <-timer.C:
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, &TimeoutError{Peer: p.cfg.Name, Method: method}
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification (no id, no response).
// It takes the call gate so a notification can never interleave with
// an in-flight request on the shared writer.
func (p *Peer) Notify(method string, params interface{}) error {
	p.gate.Lock()
	defer p.gate.Unlock()

	p.mu.Lock()
	writer := p.writer
	p.mu.Unlock()

	if writer == nil {
		return &LaunchError{Peer: p.cfg.Name, Err: fmt.Errorf("peer is not running")}
	}

	env := &Envelope{JSONRPC: "2.0", Method: method, Params: params}
	return writeEnvelope(writer, env)
}

// handshake performs the two-step initialize exchange. The peer is not
// usable until this returns nil.
func (p *Peer) handshake(ctx context.Context, timeout time.Duration) error {
	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		"clientInfo": map[string]interface{}{
			"name":    "reportd",
			"version": "0.1.0",
		},
	}

	resp, err := p.Call(ctx, "initialize", params, timeout)
	if err != nil {
		return &HandshakeError{Peer: p.cfg.Name, Err: err}
	}
	if resp.Error != nil {
		return &HandshakeError{Peer: p.cfg.Name, Err: resp.Error}
	}

	p.mu.Lock()
	p.capabilities = resp.Result
	p.mu.Unlock()

	if err := p.Notify("notifications/initialized", nil); err != nil {
		return &HandshakeError{Peer: p.cfg.Name, Err: err}
	}

	return nil
}

// stop requests graceful termination and escalates to SIGKILL after the
// grace period. The stdin pipe is closed first so well-behaved peers
// exit on their own.
func (p *Peer) stop(grace time.Duration) error {
	p.setStatus(StatusTerminating)

	p.mu.Lock()
	cmd := p.cmd
	stdin := p.stdin
	exited := p.exited
	p.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if cmd == nil || cmd.Process == nil {
		p.setStatus(StatusStopped)
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		p.setStatus(StatusStopped)
		return nil
	}

	if exited != nil {
		select {
		case <-exited:
			p.setStatus(StatusStopped)
			return nil
		case <-time.After(grace):
		}
	}

	err := cmd.Process.Kill()
	if exited != nil {
		<-exited
	}
	p.setStatus(StatusStopped)
	return err
}

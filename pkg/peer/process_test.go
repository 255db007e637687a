package peer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePeer wires a Peer to in-process pipes so tests can play the role
// of the remote process without spawning one.
type pipePeer struct {
	peer *Peer
	// in carries requests from the peer, out carries our replies back.
	in  *bufio.Reader
	out *bufio.Writer

	outRaw io.WriteCloser
}

func newPipePeer(t *testing.T) *pipePeer {
	t.Helper()

	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	p := newPeer(Config{Name: "fake"}, zerolog.Nop())
	p.attach(toServerW, toClientR)

	t.Cleanup(func() {
		_ = toServerW.Close()
		_ = toClientW.Close()
	})

	return &pipePeer{
		peer:   p,
		in:     bufio.NewReader(toServerR),
		out:    bufio.NewWriter(toClientW),
		outRaw: toClientW,
	}
}

func (f *pipePeer) readRequest(t *testing.T) *Envelope {
	t.Helper()
	env, _, err := readEnvelope(f.in)
	require.NoError(t, err)
	return env
}

func (f *pipePeer) reply(t *testing.T, id string, result interface{}) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	env := &Envelope{JSONRPC: "2.0", ID: id, Result: raw}
	require.NoError(t, writeEnvelope(f.out, env))
}

func (f *pipePeer) replyError(t *testing.T, id string, code int, msg string) {
	t.Helper()
	env := &Envelope{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}}
	require.NoError(t, writeEnvelope(f.out, env))
}

func (f *pipePeer) writeRaw(t *testing.T, line string) {
	t.Helper()
	_, err := f.out.WriteString(line)
	require.NoError(t, err)
	require.NoError(t, f.out.Flush())
}

func TestCallRoundTrip(t *testing.T) {
	f := newPipePeer(t)

	go func() {
		req := f.readRequest(t)
		f.reply(t, req.ID, map[string]interface{}{"ok": true})
	}()

	resp, err := f.peer.Call(context.Background(), "tools/list", nil, time.Second)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	var result map[string]bool
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result["ok"])
}

func TestCallAssignsUniqueIDs(t *testing.T) {
	f := newPipePeer(t)

	ids := make(chan string, 2)
	go func() {
		for i := 0; i < 2; i++ {
			req := f.readRequest(t)
			ids <- req.ID
			f.reply(t, req.ID, map[string]interface{}{})
		}
	}()

	for i := 0; i < 2; i++ {
		_, err := f.peer.Call(context.Background(), "tools/list", nil, time.Second)
		require.NoError(t, err)
	}

	first, second := <-ids, <-ids
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}

func TestCallPeerReportedError(t *testing.T) {
	f := newPipePeer(t)

	go func() {
		req := f.readRequest(t)
		f.replyError(t, req.ID, -32601, "method not found")
	}()

	resp, err := f.peer.Call(context.Background(), "bogus/method", nil, time.Second)
	require.NoError(t, err, "peer-reported errors come back in the envelope, not as a transport error")
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestCallTimeoutLeavesPeerUsable(t *testing.T) {
	f := newPipePeer(t)

	go func() {
		// Swallow the first request, answer the second.
		_ = f.readRequest(t)
		req := f.readRequest(t)
		f.reply(t, req.ID, map[string]interface{}{"ok": true})
	}()

	_, err := f.peer.Call(context.Background(), "tools/call", nil, 50*time.Millisecond)
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "fake", terr.Peer)

	resp, err := f.peer.Call(context.Background(), "tools/list", nil, time.Second)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
}

func TestMalformedLineFailsOnlyInFlightCall(t *testing.T) {
	f := newPipePeer(t)

	go func() {
		_ = f.readRequest(t)
		f.writeRaw(t, "garbage that is not json\n")

		req := f.readRequest(t)
		f.reply(t, req.ID, map[string]interface{}{"ok": true})
	}()

	_, err := f.peer.Call(context.Background(), "tools/call", nil, time.Second)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Line, "garbage")

	// The process survives a bad line; the next exchange works.
	resp, err := f.peer.Call(context.Background(), "tools/list", nil, time.Second)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
}

func TestCallGateSerializesConcurrentCallers(t *testing.T) {
	f := newPipePeer(t)

	const callers = 4
	go func() {
		for i := 0; i < callers; i++ {
			req := f.readRequest(t)
			// If a second request were ever on the wire before this
			// reply, readRequest above would have consumed it out of
			// order and correlation would fail below.
			time.Sleep(10 * time.Millisecond)
			f.reply(t, req.ID, map[string]interface{}{})
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.peer.Call(context.Background(), "tools/list", nil, time.Second)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestCallContextCancellation(t *testing.T) {
	f := newPipePeer(t)

	go func() {
		_ = f.readRequest(t)
		// Never reply.
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.peer.Call(ctx, "tools/call", nil, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCallFailsWhenPipeCloses(t *testing.T) {
	f := newPipePeer(t)

	go func() {
		_ = f.readRequest(t)
		_ = f.outRaw.Close()
	}()

	_, err := f.peer.Call(context.Background(), "tools/call", nil, time.Second)
	assert.Error(t, err)
}

func TestHandshake(t *testing.T) {
	f := newPipePeer(t)

	notified := make(chan string, 1)
	go func() {
		req := f.readRequest(t)
		assert.Equal(t, "initialize", req.Method)
		f.reply(t, req.ID, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		})

		note := f.readRequest(t)
		notified <- note.Method
	}()

	require.NoError(t, f.peer.handshake(context.Background(), time.Second))

	select {
	case method := <-notified:
		assert.Equal(t, "notifications/initialized", method)
	case <-time.After(time.Second):
		t.Fatal("initialized notification never arrived")
	}

	info := f.peer.Info()
	assert.Contains(t, string(info.Capabilities), "protocolVersion")
}

func TestHandshakeRejected(t *testing.T) {
	f := newPipePeer(t)

	go func() {
		req := f.readRequest(t)
		f.replyError(t, req.ID, -32600, "unsupported protocol")
	}()

	err := f.peer.handshake(context.Background(), time.Second)
	var herr *HandshakeError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "fake", herr.Peer)
}

func TestNotifyOmitsID(t *testing.T) {
	f := newPipePeer(t)

	received := make(chan *Envelope, 1)
	go func() {
		received <- f.readRequest(t)
	}()

	require.NoError(t, f.peer.Notify("notifications/initialized", nil))

	select {
	case env := <-received:
		assert.Empty(t, env.ID)
		assert.Equal(t, "notifications/initialized", env.Method)
	case <-time.After(time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestNotifyWaitsForInFlightCall(t *testing.T) {
	f := newPipePeer(t)

	callDone := make(chan error, 1)
	go func() {
		_, err := f.peer.Call(context.Background(), "tools/call", nil, time.Second)
		callDone <- err
	}()

	req := f.readRequest(t)

	notifyDone := make(chan error, 1)
	go func() {
		notifyDone <- f.peer.Notify("notifications/progress", nil)
	}()

	// The notification must not hit the wire while the call still holds
	// the gate; interleaved bytes would corrupt the framing.
	select {
	case <-notifyDone:
		t.Fatal("notify went out while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	f.reply(t, req.ID, map[string]interface{}{})
	require.NoError(t, <-callDone)
	require.NoError(t, <-notifyDone)

	note := f.readRequest(t)
	assert.Empty(t, note.ID)
	assert.Equal(t, "notifications/progress", note.Method)
}

func TestCallOnUnattachedPeer(t *testing.T) {
	p := newPeer(Config{Name: "idle"}, zerolog.Nop())

	_, err := p.Call(context.Background(), "tools/list", nil, time.Second)
	var lerr *LaunchError
	require.ErrorAs(t, err, &lerr)
}

package peer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

const protocolVersion = "2024-11-05"

// Envelope is one JSON-RPC 2.0 shaped message, serialized as a single
// newline-terminated line on the peer's stdio pipes. An empty ID marks a
// notification: no response is expected.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsNotification reports whether the envelope expects no response.
func (e *Envelope) IsNotification() bool {
	return e.ID == "" && e.Method != ""
}

// writeEnvelope serializes an envelope to one line and flushes it.
func writeEnvelope(w *bufio.Writer, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// readEnvelope reads one line and deserializes it. A malformed line
// returns the raw text alongside the unmarshal error so callers can
// surface a ProtocolError without tearing the peer down.
func readEnvelope(r *bufio.Reader) (*Envelope, string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return nil, "", err
	}

	var env Envelope
	if uerr := json.Unmarshal([]byte(line), &env); uerr != nil {
		return nil, line, uerr
	}
	if err == io.EOF {
		err = nil
	}
	return &env, line, err
}

package peer

import "fmt"

// LaunchError indicates the peer process could not be spawned. The peer
// stays stopped and its tools are unavailable until the next Start.
type LaunchError struct {
	Peer string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch peer %s: %v", e.Peer, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// HandshakeError indicates the peer process started but rejected or
// failed the initialize exchange. Same effect as LaunchError: the peer
// is stopped.
type HandshakeError struct {
	Peer string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with peer %s failed: %v", e.Peer, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ProtocolError indicates an unparseable line arrived on the wire. It
// fails the in-flight call only; the peer process is left running.
type ProtocolError struct {
	Peer string
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from peer %s: %v", e.Peer, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError indicates no response arrived within the call deadline.
// The peer is assumed alive; only this call fails.
type TimeoutError struct {
	Peer   string
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("peer %s did not answer %s in time", e.Peer, e.Method)
}

// RPCError is the error object carried inside a response envelope.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error (%d): %s", e.Code, e.Message)
}

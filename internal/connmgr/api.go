// Package connmgr owns a single point-to-point RFCOMM chat session.
//
// A Manager listens for incoming connections, performs outgoing connection
// attempts and runs the read/write loop of the established session. All
// blocking transport work happens on worker goroutines; state changes and
// data are reported to the consumer as an ordered stream of Events.
//
// The transport itself (BlueZ, or a fake in tests) is injected through the
// Adapter interface. Enumeration of peers, pairing UI and discoverability are
// the caller's business.
package connmgr

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotConnected is returned by Send when no session is live.
	ErrNotConnected = errors.New("connmgr: not connected")
	// ErrAlreadyConnected is returned by Connect while a session is live.
	ErrAlreadyConnected = errors.New("connmgr: already connected")
	// ErrClosed is returned by every command after Close.
	ErrClosed = errors.New("connmgr: closed")
	// ErrSessionClosed is returned when writing to a session that has ended.
	ErrSessionClosed = errors.New("connmgr: session closed")
	// ErrConnectionRejected is wrapped by Listener.Accept errors that concern
	// a single incoming connection. The listener stays open.
	ErrConnectionRejected = errors.New("connmgr: incoming connection rejected")
)

// State is the connection state of a Manager.
type State int

const (
	StateNone State = iota
	StateListening
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// SecurityMode selects the secure (authenticated, encrypted) or the insecure
// channel variant for a listen or connect attempt.
type SecurityMode int

const (
	Secure SecurityMode = iota
	Insecure
)

func (m SecurityMode) String() string {
	if m == Insecure {
		return "insecure"
	}
	return "secure"
}

// RemoteEndpoint identifies a peer device.
//
// Address is required (Bluetooth address, e.g. "AA:BB:CC:DD:EE:FF"). Name is
// optional and only used for display.
type RemoteEndpoint struct {
	Address string
	Name    string
}

func (e RemoteEndpoint) String() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Address
}

// Socket is a connected byte stream to one peer.
// Close must unblock a pending Read.
type Socket interface {
	io.ReadWriteCloser
}

// Listener is a passive endpoint. Close unblocks a pending Accept, which then
// returns a non-nil error.
type Listener interface {
	// Accept blocks until a peer connects. The returned Socket is owned by the
	// caller. The endpoint is resolved from the socket's peer metadata; it may
	// carry an empty Name. Errors wrapping ErrConnectionRejected only drop
	// that connection; any other error ends the listener.
	Accept() (Socket, RemoteEndpoint, error)
	Close() error
}

// Adapter is the transport capability the Manager drives.
type Adapter interface {
	// Available reports whether the local adapter is present and usable.
	Available() error
	// Listen opens a passive endpoint for the given mode.
	Listen(mode SecurityMode) (Listener, error)
	// Dial performs one blocking connection attempt. Implementations must
	// release any partially opened resource before returning an error, and
	// must return once ctx is done.
	Dial(ctx context.Context, ep RemoteEndpoint, mode SecurityMode) (Socket, error)
}

// EventKind tags an Event.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventBytesSent
	EventBytesReceived
	EventPeerIdentified
	EventNotice
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventBytesSent:
		return "bytes-sent"
	case EventBytesReceived:
		return "bytes-received"
	case EventPeerIdentified:
		return "peer-identified"
	case EventNotice:
		return "notice"
	default:
		return "unknown"
	}
}

// NoticeKind classifies a Notice event.
type NoticeKind int

const (
	// NoticeAttemptFailed: a connect attempt or the accept loop failed.
	NoticeAttemptFailed NoticeKind = iota
	// NoticeSessionFailed: an established session broke on read or write.
	NoticeSessionFailed
	// NoticeMisuse: a command was not valid in the current state.
	NoticeMisuse
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeAttemptFailed:
		return "attempt-failed"
	case NoticeSessionFailed:
		return "session-failed"
	case NoticeMisuse:
		return "misuse"
	default:
		return "unknown"
	}
}

// Event is delivered on Manager.Events. Kind selects which of the optional
// fields are meaningful:
//
//	EventStateChanged    State
//	EventBytesSent       Payload (what was written)
//	EventBytesReceived   Payload (exactly one read), Peer
//	EventPeerIdentified  Peer
//	EventNotice          Notice, Text, Err
//
// State is always the manager state at the moment the event was produced.
type Event struct {
	Kind  EventKind
	State State
	Time  time.Time

	// Peer of the current session or attempt, if any.
	Peer RemoteEndpoint
	// SessionID is set while a session is live.
	SessionID string

	Payload []byte

	Notice NoticeKind
	Text   string
	Err    error
}

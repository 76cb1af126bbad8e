package migration

import (
	"errors"
	"fmt"
	"io"
)

// Kind classifies session failures. Text is produced only when an error is
// rendered for the operator console.
type Kind int

const (
	// KindTransient is an interrupted system call. It is retried internally
	// and never returned.
	KindTransient Kind = iota
	// KindEmpty means no data or buffer space is available right now.
	KindEmpty
	// KindPeerClosedRead is an orderly end of stream seen by the reader.
	KindPeerClosedRead
	// KindPeerClosedWrite means the peer went away while we were writing.
	KindPeerClosedWrite
	// KindSetup covers address, socket, bind, listen and connect failures.
	KindSetup
	// KindBusy is a listen or connect issued while a session is active.
	KindBusy
	// KindRole is a read on a writer session or a write on a reader session.
	KindRole
	// KindIO is any other socket failure.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindEmpty:
		return "empty"
	case KindPeerClosedRead:
		return "peer closed (read)"
	case KindPeerClosedWrite:
		return "peer closed (write)"
	case KindSetup:
		return "setup"
	case KindBusy:
		return "busy"
	case KindRole:
		return "role"
	case KindIO:
		return "io"
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

var (
	ErrBusy         = errors.New("already listening or connection established")
	ErrNotConnected = errors.New("not connected")
	ErrNoData       = errors.New("no data available")
	ErrPeerClosed   = errors.New("other side closed connection")
	ErrWrongRole    = errors.New("operation not valid for session role")
	ErrCanceled     = errors.New("migration canceled")

	errCorruptStream = errors.New("corrupt migration stream")
)

// Error is returned by Session operations.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migration %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err. io.EOF maps to KindPeerClosedRead and any
// other error that is not a *Error to KindIO.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, io.EOF) {
		return KindPeerClosedRead
	}

	return KindIO
}

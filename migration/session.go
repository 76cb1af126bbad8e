package migration

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bobuhiro11/kvmigrate/ring"
	"golang.org/x/sys/unix"
)

// State of a migration session.
type State int

const (
	StateUnused State = iota
	StateListening
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateUnused:
		return "unused"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Role is fixed for the lifetime of one connection.
type Role int

const (
	RoleNone Role = iota
	RoleWriter
	RoleReader
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleWriter:
		return "writer"
	case RoleReader:
		return "reader"
	}

	return fmt.Sprintf("Role(%d)", int(r))
}

// DefaultThreshold is the number of buffered bytes above which writes are
// pushed to the socket without being forced.
const DefaultThreshold = 1024

// EventLoop delivers socket readiness. Callbacks are expected to run one at
// a time.
type EventLoop interface {
	RegisterReadable(fd int, cb func())
	Unregister(fd int)
}

// Config tunes a Session.
type Config struct {
	// Capacity of the ring buffer. Zero selects ring.DefaultCapacity.
	Capacity int
	// Threshold is the flush threshold. Zero selects DefaultThreshold. It
	// is capped at half the capacity.
	Threshold int
	// Loop selects the asynchronous variant. With a nil Loop, accept and
	// reads block the calling goroutine instead.
	Loop EventLoop
	// Console receives command outcomes. Nil selects NewLogConsole().
	Console Console
}

// Session is one migration endpoint. It owns at most one socket and the ring
// buffer between that socket and the byte-stream API. A Session is reusable:
// after Cancel or a peer disconnect it returns to StateUnused.
type Session struct {
	mu sync.Mutex

	fd    int
	state State
	role  Role
	buf   *ring.Buffer

	threshold int
	loop      EventLoop
	console   Console

	local, remote, expected string

	// eof is set when the peer closed the stream and cleared by the next
	// Listen or Connect.
	eof bool
	// paused is set while the read handler is unregistered because the
	// ring is full.
	paused bool

	ready chan struct{}
}

// NewSession returns an idle session. Without a Loop it runs in blocking mode.
func NewSession(c Config) *Session {
	if c.Capacity == 0 {
		c.Capacity = ring.DefaultCapacity
	}

	buf := ring.New(c.Capacity)

	threshold := c.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	if threshold > buf.Cap()/2 {
		threshold = buf.Cap() / 2
	}

	console := c.Console
	if console == nil {
		console = NewLogConsole()
	}

	return &Session{
		fd:        fdUnused,
		buf:       buf,
		threshold: threshold,
		loop:      c.Loop,
		console:   console,
		ready:     make(chan struct{}, 1),
	}
}

// Ready is signalled when the read handler buffers new data, when the peer
// closes, and on Cancel.
func (s *Session) Ready() <-chan struct{} { return s.ready }

func (s *Session) notifyLocked() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// closeFdLocked releases the socket and its event handler.
func (s *Session) closeFdLocked() {
	if s.fd == fdUnused {
		return
	}

	if s.loop != nil {
		s.loop.Unregister(s.fd)
	}

	closeSocket(s.fd)
	s.fd = fdUnused
	s.paused = false
}

// cleanupLocked returns the session to StateUnused. Buffered bytes stay
// readable until the next Listen, Connect or Cancel.
func (s *Session) cleanupLocked() {
	s.closeFdLocked()
	s.state = StateUnused
	s.role = RoleNone
}

func (s *Session) resetLocked() {
	s.buf.Reset()
	s.eof = false
	s.local, s.remote, s.expected = "", "", ""
}

func (s *Session) setupError(op string, err error) error {
	return &Error{Op: op, Kind: KindSetup, Err: err}
}

// Listen starts the destination side. With an event loop it returns as soon
// as the socket is listening; otherwise it blocks until a peer connects.
func (s *Session) Listen(local, remote string) error {
	const op = "listen"

	s.mu.Lock()

	if s.fd != fdUnused || s.state != StateUnused {
		s.mu.Unlock()
		s.console.Printf("Already listening or connection established")

		return &Error{Op: op, Kind: KindBusy, Err: ErrBusy}
	}

	la, err := resolveHostPort(local, DefaultReaderAddr)
	if err != nil {
		s.mu.Unlock()
		s.console.Printf("migration listen: invalid argument '%s'", local)

		return s.setupError(op, err)
	}

	ra, err := resolveHostPort(remote, DefaultWriterAddr)
	if err != nil {
		s.mu.Unlock()
		s.console.Printf("migration listen: invalid argument '%s'", remote)

		return s.setupError(op, err)
	}

	fd, err := newStreamSocket()
	if err != nil {
		s.mu.Unlock()
		s.console.Printf("migration listen: socket() failed (%v)", err)

		return s.setupError(op, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		closeSocket(fd)
		s.mu.Unlock()
		s.console.Printf("migration listen: setsockopt() failed (%v)", err)

		return s.setupError(op, err)
	}

	if err := unix.Bind(fd, la); err != nil {
		closeSocket(fd)
		s.mu.Unlock()
		s.console.Printf("migration listen: bind() failed (%v)", err)

		return s.setupError(op, err)
	}

	// Only one peer is ever expected.
	if err := unix.Listen(fd, 1); err != nil {
		closeSocket(fd)
		s.mu.Unlock()
		s.console.Printf("migration listen: listen() failed (%v)", err)

		return s.setupError(op, err)
	}

	s.resetLocked()
	s.fd = fd
	s.state = StateListening
	s.role = RoleReader
	s.local = localAddr(fd)

	if ra.Port != 0 {
		s.expected = sockaddrString(ra)
	}

	// The synchronous variant waits in poll, so accept never blocks either.
	if err := unix.SetNonblock(fd, true); err != nil {
		s.cleanupLocked()
		s.mu.Unlock()
		s.console.Printf("migration listen: cannot set non-blocking mode (%v)", err)

		return s.setupError(op, err)
	}

	s.console.Printf("migration listen: listening on %s", s.local)

	if s.loop != nil {
		s.loop.RegisterReadable(fd, s.onAcceptable)
		s.mu.Unlock()

		return nil
	}

	s.mu.Unlock()

	return s.acceptBlocking(fd)
}

func (s *Session) onAcceptable() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateListening {
		return
	}

	nfd, sa, err := acceptRetry(s.fd)
	if err != nil {
		if !isWouldBlock(err) {
			s.console.Printf("migration listen: accept failed (%v)", err)
		}

		return
	}

	s.installLocked(nfd, sa)
}

func (s *Session) acceptBlocking(lfd int) error {
	for {
		ready, err := waitReadable(lfd, pollInterval)

		s.mu.Lock()

		if s.fd != lfd || s.state != StateListening {
			s.mu.Unlock()

			return &Error{Op: "accept", Kind: KindSetup, Err: ErrCanceled}
		}

		if err != nil {
			s.cleanupLocked()
			s.mu.Unlock()
			s.console.Printf("migration listen: accept failed (%v)", err)

			return s.setupError("accept", err)
		}

		if !ready {
			s.mu.Unlock()

			continue
		}

		nfd, sa, err := acceptRetry(lfd)
		if err != nil {
			if isWouldBlock(err) {
				s.mu.Unlock()

				continue
			}

			s.cleanupLocked()
			s.mu.Unlock()
			s.console.Printf("migration listen: accept failed (%v)", err)

			return s.setupError("accept", err)
		}

		s.installLocked(nfd, sa)
		s.mu.Unlock()

		return nil
	}
}

// installLocked replaces the listening socket with the accepted one.
func (s *Session) installLocked(nfd int, sa unix.Sockaddr) {
	s.closeFdLocked()
	s.fd = nfd
	s.state = StateConnected
	s.remote = sockaddrString(sa)

	if s.expected != "" && s.remote != s.expected {
		s.console.Printf("migration listen: peer %s is not the expected %s", s.remote, s.expected)
	}

	if s.loop != nil {
		if err := unix.SetNonblock(nfd, true); err != nil {
			s.console.Printf("migration listen: cannot set non-blocking mode (%v)", err)
		}

		s.loop.RegisterReadable(nfd, s.onReadable)
	}

	s.console.Printf("accepted new socket as fd %d", nfd)
	s.notifyLocked()
}

// Connect starts the source side and blocks until the connection is
// established or has failed.
func (s *Session) Connect(local, remote string) error {
	const op = "connect"

	s.mu.Lock()

	if s.fd != fdUnused || s.state != StateUnused {
		s.mu.Unlock()
		s.console.Printf("Already connecting or connection established")

		return &Error{Op: op, Kind: KindBusy, Err: ErrBusy}
	}

	la, err := resolveHostPort(local, DefaultWriterAddr)
	if err != nil {
		s.mu.Unlock()
		s.console.Printf("migration connect: invalid argument '%s'", local)

		return s.setupError(op, err)
	}

	ra, err := resolveHostPort(remote, DefaultReaderAddr)
	if err != nil {
		s.mu.Unlock()
		s.console.Printf("migration connect: invalid argument '%s'", remote)

		return s.setupError(op, err)
	}

	fd, err := newStreamSocket()
	if err != nil {
		s.mu.Unlock()
		s.console.Printf("migration connect: socket() failed (%v)", err)

		return s.setupError(op, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		closeSocket(fd)
		s.mu.Unlock()
		s.console.Printf("migration connect: setsockopt() failed (%v)", err)

		return s.setupError(op, err)
	}

	if err := unix.Bind(fd, la); err != nil {
		closeSocket(fd)
		s.mu.Unlock()
		s.console.Printf("migration connect: bind() failed (%v)", err)

		return s.setupError(op, err)
	}

	s.resetLocked()
	s.fd = fd
	s.state = StateConnecting
	s.role = RoleWriter
	s.mu.Unlock()

	err = connectRetry(fd, ra)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fd != fd {
		return &Error{Op: op, Kind: KindSetup, Err: ErrCanceled}
	}

	if err != nil {
		s.cleanupLocked()
		s.console.Printf("migration connect: connect() failed (%v)", err)

		return s.setupError(op, err)
	}

	s.state = StateConnected
	s.local = localAddr(fd)
	s.remote = sockaddrString(ra)
	s.console.Printf("migration connect: connected through fd %d", fd)

	return nil
}

// Cancel tears the session down from any state. It is idempotent.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupLocked()
	s.resetLocked()
	s.notifyLocked()
}

func (s *Session) onReadable() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return
	}

	n, err := s.fillLocked()

	switch {
	case n > 0 || errors.Is(err, io.EOF):
		s.notifyLocked()
	case isIOFailure(err):
		s.notifyLocked()
	}

	// Level-triggered readiness would spin while the ring is full, so stop
	// listening until the consumer makes room.
	if s.fd != fdUnused && s.buf.BytesEmpty() == 0 {
		s.loop.Unregister(s.fd)
		s.paused = true
	}
}

func (s *Session) resumeLocked() {
	if s.paused && s.fd != fdUnused && s.buf.BytesEmpty() > 0 {
		s.paused = false
		s.loop.RegisterReadable(s.fd, s.onReadable)
	}
}

// fillLocked reads once from the socket into the ring. It never blocks and
// never wraps within one read.
func (s *Session) fillLocked() (int, error) {
	if s.fd == fdUnused {
		if s.eof {
			return 0, io.EOF
		}

		return 0, &Error{Op: "read", Kind: KindIO, Err: ErrNotConnected}
	}

	if s.state != StateConnected {
		return 0, &Error{Op: "read", Kind: KindEmpty, Err: ErrNoData}
	}

	space := s.buf.HeadSpace()
	if len(space) == 0 {
		return 0, nil
	}

	n, err := recvRetry(s.fd, space)
	if err != nil {
		if isWouldBlock(err) {
			return 0, &Error{Op: "read", Kind: KindEmpty, Err: ErrNoData}
		}

		s.console.Printf("migration_read_from_socket: read failed (%v)", err)
		s.cleanupLocked()

		return 0, &Error{Op: "read", Kind: KindIO, Err: err}
	}

	if n == 0 {
		s.console.Printf("migration_read_from_socket: CONNECTION CLOSED")
		s.cleanupLocked()
		s.eof = true

		return 0, io.EOF
	}

	s.buf.AdvanceHead(n)

	return n, nil
}

// readSomeLocked returns the number of buffered bytes, reading from the
// socket first when the ring is empty. With wait set and no event loop it
// blocks until the socket is readable.
func (s *Session) readSomeLocked(wait bool) (int, error) {
	if !s.buf.IsEmpty() {
		return s.buf.BytesFilled(), nil
	}

	for wait && s.loop == nil && s.fd != fdUnused && s.state == StateConnected {
		fd := s.fd

		s.mu.Unlock()
		ready, err := waitReadable(fd, pollInterval)
		s.mu.Lock()

		if s.fd != fd {
			break
		}

		if err != nil {
			return 0, &Error{Op: "read", Kind: KindIO, Err: err}
		}

		if ready {
			break
		}
	}

	return s.fillLocked()
}

func (s *Session) checkReaderLocked() error {
	if s.role == RoleWriter {
		return &Error{Op: "read", Kind: KindRole, Err: ErrWrongRole}
	}

	return nil
}

// ReadByte returns the next byte of the stream. When nothing is buffered it
// returns ErrNoData (wrapped in *Error with KindEmpty) if the peer has not
// sent anything yet, and io.EOF once the peer closed the stream. A zero
// byte is therefore always real data.
func (s *Session) ReadByte() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkReaderLocked(); err != nil {
		return 0, err
	}

	n, err := s.readSomeLocked(true)
	if n <= 0 {
		if err == nil {
			err = &Error{Op: "read", Kind: KindEmpty, Err: ErrNoData}
		}

		return 0, err
	}

	b := s.buf.TailData()[0]
	s.buf.AdvanceTail(1)
	s.resumeLocked()

	return b, nil
}

// ReadBuffer copies up to len(p) bytes of the stream into p. It returns a
// short count, with a nil error, as soon as the peer has nothing more to
// give right now or has closed. Only socket failures are returned as errors.
// Without an event loop it blocks until at least one byte is available.
func (s *Session) ReadBuffer(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkReaderLocked(); err != nil {
		return 0, err
	}

	total := 0

	for total < len(p) {
		n, err := s.readSomeLocked(total == 0)
		if isIOFailure(err) {
			s.resumeLocked()

			return total, err
		}

		if n <= 0 {
			break
		}

		c := copy(p[total:], s.buf.TailData())
		s.buf.AdvanceTail(c)
		total += c
	}

	s.resumeLocked()

	return total, nil
}

func (s *Session) checkWriterLocked() error {
	if s.role == RoleReader {
		return &Error{Op: "write", Kind: KindRole, Err: ErrWrongRole}
	}

	if s.fd == fdUnused {
		return &Error{Op: "write", Kind: KindIO, Err: ErrNotConnected}
	}

	return nil
}

// makeRoomLocked flushes until at least one byte of buffer space is free.
func (s *Session) makeRoomLocked() error {
	if err := s.writeSomeLocked(false); err != nil {
		return err
	}

	if s.buf.BytesEmpty() == 0 {
		return s.writeSomeLocked(true)
	}

	return nil
}

// writeIntoSocketLocked performs one write of at most limit bytes from the
// tail of the ring.
func (s *Session) writeIntoSocketLocked(limit int) (int, error) {
	if s.fd == fdUnused {
		return 0, &Error{Op: "write", Kind: KindPeerClosedWrite, Err: ErrNotConnected}
	}

	d := s.buf.TailData()
	if len(d) > limit {
		d = d[:limit]
	}

	n, err := sendRetry(s.fd, d)
	if err != nil {
		s.console.Printf("migration_write_into_socket: write failed (%v)", err)
		s.cleanupLocked()

		if isPeerGone(err) {
			return 0, &Error{Op: "write", Kind: KindPeerClosedWrite, Err: err}
		}

		return 0, &Error{Op: "write", Kind: KindIO, Err: err}
	}

	if n == 0 {
		s.console.Printf("migration_write_into_socket: CONNECTION CLOSED")
		s.cleanupLocked()

		return 0, &Error{Op: "write", Kind: KindPeerClosedWrite, Err: ErrPeerClosed}
	}

	s.buf.AdvanceTail(n)

	return n, nil
}

func (s *Session) writeSomeLocked(force bool) error {
	size := s.buf.BytesFilled()

	for size > 0 && (force || size > s.threshold) {
		if _, err := s.writeIntoSocketLocked(size); err != nil {
			if KindOf(err) == KindPeerClosedWrite {
				s.console.Printf("migration: other side closed connection")
			}

			return err
		}

		size = s.buf.BytesFilled()
	}

	return nil
}

// WriteSome sends buffered bytes while more than the flush threshold is
// buffered, or until the buffer is empty when force is set. A peer that
// went away is reported as an error of KindPeerClosedWrite and the session
// is torn down.
func (s *Session) WriteSome(force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWriterLocked(); err != nil {
		return err
	}

	return s.writeSomeLocked(force)
}

// WriteByte buffers one byte. If the opportunistic flush fails the byte is
// not stored.
func (s *Session) WriteByte(b byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWriterLocked(); err != nil {
		return err
	}

	if err := s.makeRoomLocked(); err != nil {
		return err
	}

	space := s.buf.HeadSpace()
	space[0] = b
	s.buf.AdvanceHead(1)

	return nil
}

// WriteBuffer buffers p, flushing opportunistically. It stops at the first
// failed flush and returns the short count together with that error.
func (s *Session) WriteBuffer(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWriterLocked(); err != nil {
		return 0, err
	}

	total := 0

	for total < len(p) {
		if err := s.makeRoomLocked(); err != nil {
			return total, err
		}

		c := copy(s.buf.HeadSpace(), p[total:])
		s.buf.AdvanceHead(c)
		total += c
	}

	return total, nil
}

// Status is a point-in-time view of a session.
type Status struct {
	State       State
	Role        Role
	Fd          int
	Buffered    int
	HeadCounter int64
	TailCounter int64
	Local       string
	Remote      string
}

func (st Status) String() string {
	return fmt.Sprintf("state=%s role=%s fd=%d buffered=%d produced=%d consumed=%d local=%s remote=%s",
		st.State, st.Role, st.Fd, st.Buffered, st.HeadCounter, st.TailCounter, st.Local, st.Remote)
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		State:       s.state,
		Role:        s.role,
		Fd:          s.fd,
		Buffered:    s.buf.BytesFilled(),
		HeadCounter: s.buf.HeadCounter,
		TailCounter: s.buf.TailCounter,
		Local:       s.local,
		Remote:      s.remote,
	}
}

// isIOFailure reports whether err is a socket failure, as opposed to an
// empty read, an orderly close or a session that is simply not connected.
func isIOFailure(err error) bool {
	return err != nil && KindOf(err) == KindIO && !errors.Is(err, ErrNotConnected)
}

// streamState reports, atomically, whether bytes are buffered, whether the
// peer has closed and whether the session is still in use.
func (s *Session) streamState() (buffered, closed, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.buf.IsEmpty(), s.eof, s.state != StateUnused
}

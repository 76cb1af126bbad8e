// Package eventloop is a small single-goroutine dispatcher for file
// descriptor readiness callbacks and posted messages.
//
// All callbacks run on the goroutine that called Run, one at a time, so code
// driven only from callbacks needs no locking of its own.
package eventloop

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var ErrClosed = errors.New("event loop closed")

type Loop struct {
	mu       sync.Mutex
	handlers map[int]func()
	queue    []func()
	closed   bool

	// wakeFd is an eventfd used to interrupt poll(2) when the handler set
	// or the message queue changes.
	wakeFd int
}

func New() (*Loop, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &Loop{
		handlers: make(map[int]func()),
		wakeFd:   fd,
	}, nil
}

// RegisterReadable installs cb to be called whenever fd is readable, hung up
// or in error. A previous handler for fd is replaced.
func (l *Loop) RegisterReadable(fd int, cb func()) {
	l.mu.Lock()
	l.handlers[fd] = cb
	l.mu.Unlock()

	l.wake()
}

// Unregister removes the handler for fd. It is a no-op for unknown fds.
func (l *Loop) Unregister(fd int) {
	l.mu.Lock()
	delete(l.handlers, fd)
	l.mu.Unlock()

	l.wake()
}

// Registered reports whether fd currently has a handler.
func (l *Loop) Registered(fd int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.handlers[fd]

	return ok
}

// Post queues fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()

		return ErrClosed
	}

	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	l.wake()

	return nil
}

func (l *Loop) wake() {
	var one [8]byte

	binary.NativeEndian.PutUint64(one[:], 1)

	if _, err := unix.Write(l.wakeFd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		log.Debugf("eventloop: wake: %v", err)
	}
}

func (l *Loop) drainWake() {
	var buf [8]byte

	for {
		if _, err := unix.Read(l.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func (l *Loop) takeQueue() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queue
	l.queue = nil

	return q
}

func (l *Loop) pollSet() []unix.PollFd {
	l.mu.Lock()
	defer l.mu.Unlock()

	fds := make([]unix.PollFd, 0, len(l.handlers)+1)
	fds = append(fds, unix.PollFd{Fd: int32(l.wakeFd), Events: unix.POLLIN})

	for fd := range l.handlers {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	return fds
}

func (l *Loop) handler(fd int) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.handlers[fd]
}

// Run dispatches callbacks until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.wake)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()

		if closed {
			return ErrClosed
		}

		for _, fn := range l.takeQueue() {
			fn()
		}

		fds := l.pollSet()

		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return err
		}

		for _, p := range fds[1:] {
			if p.Revents == 0 {
				continue
			}

			if p.Revents&unix.POLLNVAL != 0 {
				log.Warnf("eventloop: fd %d is not open, dropping its handler", p.Fd)
				l.Unregister(int(p.Fd))

				continue
			}

			// The handler may have been removed by an earlier callback of
			// this round.
			if cb := l.handler(int(p.Fd)); cb != nil {
				cb()
			}
		}

		if fds[0].Revents != 0 {
			l.drainWake()
		}
	}
}

// Close stops Run and releases the wakeup descriptor once Run has returned.
func (l *Loop) Close() error {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()

		return nil
	}

	l.closed = true
	l.mu.Unlock()

	l.wake()

	return nil
}

// Release closes the wakeup descriptor. Call it after Run has returned.
func (l *Loop) Release() error {
	return unix.Close(l.wakeFd)
}

package migration

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

const (
	// DefaultReaderAddr is where the destination listens by default.
	DefaultReaderAddr = "localhost:4455"
	// DefaultWriterAddr is where the source binds by default. The ports
	// differ so both roles can run on one host.
	DefaultWriterAddr = "localhost:4456"

	fdUnused = -1
)

// resolveHostPort turns "host:port" into an IPv4 socket address. An
// empty string selects def.
func resolveHostPort(addr, def string) (*unix.SockaddrInet4, error) {
	if addr == "" {
		addr = def
	}

	a, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, err
	}

	sa := &unix.SockaddrInet4{Port: a.Port}

	if ip4 := a.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}

	return sa, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case nil:
		return ""
	}

	return fmt.Sprintf("%v", sa)
}

func localAddr(fd int) string {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return ""
	}

	return sockaddrString(sa)
}

func newStreamSocket() (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
}

func closeSocket(fd int) {
	// shutdown wakes any goroutine parked in poll on fd.
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	_ = unix.Close(fd)
}

// pollInterval bounds each wait so that a canceled session is noticed even
// if its descriptor number has been reused.
const pollInterval = 100 // ms

// waitReadable waits up to timeout milliseconds for fd to become readable,
// hung up or in error.
func waitReadable(fd int, timeout int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for {
		n, err := unix.Poll(fds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return n > 0, err
	}
}

func acceptRetry(fd int) (int, unix.Sockaddr, error) {
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return nfd, sa, err
	}
}

// connectRetry connects a blocking socket. An interrupted connect keeps
// going in the kernel, so wait for it and collect the result.
func connectRetry(fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if !errors.Is(err, unix.EINTR) {
		return err
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}

	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return err
		}

		break
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}

	if soErr != 0 {
		return unix.Errno(soErr)
	}

	return nil
}

// recvRetry never blocks.
func recvRetry(fd int, p []byte) (int, error) {
	for {
		n, _, err := unix.Recvfrom(fd, p, unix.MSG_DONTWAIT)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return n, err
	}
}

// sendRetry writes without raising SIGPIPE on a vanished peer.
func sendRetry(fd int, p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return n, err
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func isPeerGone(err error) bool {
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}

package vmm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/bobuhiro11/kvmigrate/migration"
	log "github.com/sirupsen/logrus"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errUsage          = errors.New("usage")
)

// controlSocketPath expands a %d in path to the process id.
func controlSocketPath(path string) string {
	if strings.Contains(path, "%d") {
		return fmt.Sprintf(path, os.Getpid())
	}

	return path
}

// monitorConsole logs every message and also copies it to the connection of
// the monitor command being served, if any.
type monitorConsole struct {
	mu   sync.Mutex
	base migration.Console
	w    *migration.WriterConsole
}

func (c *monitorConsole) Printf(format string, args ...any) {
	c.base.Printf(format, args...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.w != nil {
		c.w.Printf(format, args...)
	}
}

func (c *monitorConsole) attach(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w == nil {
		c.w = nil

		return
	}

	c.w = &migration.WriterConsole{W: w}
}

// StartControlSocket listens on a Unix domain socket and serves monitor
// commands until ctx is done. It returns the socket path.
//
// Supported commands (newline-terminated, several per connection):
//
//	migration_listen [local] [remote]
//	migration_connect [local] [remote]
//	migration_cancel
//	migration_status
//	migration_start online|offline
//
// Every reply ends with a line "OK" or "ERROR <message>".
func (v *VMM) StartControlSocket(ctx context.Context) (string, error) {
	path := controlSocketPath(v.ControlPath)

	l, err := net.Listen("unix", path)
	if err != nil {
		return "", fmt.Errorf("control socket: %w", err)
	}

	context.AfterFunc(ctx, func() { l.Close() })

	go func() {
		defer os.Remove(path)

		var mu sync.Mutex

		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go func() {
				// One command at a time across all monitor connections.
				mu.Lock()
				defer mu.Unlock()

				v.handleControl(ctx, conn)
			}()
		}
	}()

	return path, nil
}

func (v *VMM) handleControl(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		v.console.attach(conn)
		err := v.Command(ctx, line)
		v.console.attach(nil)

		if err != nil {
			log.WithError(err).WithField("command", line).Debug("monitor command failed")
			fmt.Fprintf(conn, "ERROR %v\n", err)
		} else {
			fmt.Fprintf(conn, "OK\n")
		}
	}
}

// Command executes one monitor command line. Output goes to the console.
func (v *VMM) Command(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	args := fields[1:]

	switch fields[0] {
	case "migration_listen", "migration_connect":
		if len(args) > 2 {
			return fmt.Errorf("%w: %s [local] [remote]", errUsage, fields[0])
		}

		local, remote := v.Local, v.Remote
		if len(args) > 0 {
			local = args[0]
		}

		if len(args) > 1 {
			remote = args[1]
		}

		if fields[0] == "migration_listen" {
			return v.onLoop(ctx, func() error { return v.Session.Listen(local, remote) })
		}

		return v.onLoop(ctx, func() error { return v.Session.Connect(local, remote) })

	case "migration_cancel":
		return v.onLoop(ctx, func() error {
			v.Session.Cancel()

			return nil
		})

	case "migration_status":
		v.console.Printf("%s", v.Session.Status())

		return nil

	case "migration_start":
		if len(args) != 1 || (args[0] != "online" && args[0] != "offline") {
			return fmt.Errorf("%w: migration_start online|offline", errUsage)
		}

		// The exchange waits for socket events, so it must not run on
		// the loop goroutine.
		return v.Session.Start(ctx, args[0] == "online")
	}

	return fmt.Errorf("%w: %q", errUnknownCommand, fields[0])
}

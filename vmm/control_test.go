package vmm_test

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
)

type monitor struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// do sends one command and returns the reply lines, the final OK/ERROR line
// included.
func (m *monitor) do(cmd string) []string {
	m.t.Helper()

	if _, err := m.conn.Write([]byte(cmd + "\n")); err != nil {
		m.t.Fatalf("write %q: %v", cmd, err)
	}

	var lines []string

	for {
		line, err := m.r.ReadString('\n')
		if err != nil {
			m.t.Fatalf("reply to %q: %v (so far %q)", cmd, err, lines)
		}

		line = strings.TrimSuffix(line, "\n")
		lines = append(lines, line)

		if line == "OK" || strings.HasPrefix(line, "ERROR") {
			return lines
		}
	}
}

func last(lines []string) string { return lines[len(lines)-1] }

func contains(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}

	return false
}

func TestControlSocket(t *testing.T) {
	t.Parallel()

	v := newVMM(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	pathc := make(chan string, 1)

	go func() {
		done <- v.Run(ctx, func(ctx context.Context) error {
			path, err := v.StartControlSocket(ctx)
			if err != nil {
				return err
			}

			pathc <- path
			<-ctx.Done()

			return nil
		})
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	var path string

	select {
	case path = <-pathc:
	case err := <-done:
		t.Fatalf("Run: %v", err)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}

	defer conn.Close()

	m := &monitor{t: t, conn: conn, r: bufio.NewReader(conn)}

	if got := m.do("migration_status"); last(got) != "OK" || !contains(got, "state=unused role=none") {
		t.Fatalf("status: %q", got)
	}

	if got := m.do("migration_fly"); !strings.HasPrefix(last(got), "ERROR unknown command") {
		t.Fatalf("unknown command: %q", got)
	}

	if got := m.do("migration_listen 127.0.0.1:0 127.0.0.1:0"); last(got) != "OK" || !contains(got, "listening on 127.0.0.1:") {
		t.Fatalf("listen: %q", got)
	}

	if got := m.do("migration_listen 127.0.0.1:0"); !strings.HasPrefix(last(got), "ERROR") ||
		!contains(got, "Already listening or connection established") {
		t.Fatalf("second listen: %q", got)
	}

	if got := m.do("migration_status"); !contains(got, "state=listening") {
		t.Fatalf("status: %q", got)
	}

	if got := m.do("migration_start sideways"); !strings.HasPrefix(last(got), "ERROR usage") {
		t.Fatalf("bad start: %q", got)
	}

	if got := m.do("migration_connect a b c"); !strings.HasPrefix(last(got), "ERROR usage") {
		t.Fatalf("bad connect: %q", got)
	}

	if got := m.do("migration_cancel"); last(got) != "OK" {
		t.Fatalf("cancel: %q", got)
	}

	if got := m.do("migration_status"); !contains(got, "state=unused") {
		t.Fatalf("status after cancel: %q", got)
	}

	if got := m.do("migration_connect 127.0.0.1:0 127.0.0.1:99999"); !strings.HasPrefix(last(got), "ERROR") ||
		!contains(got, "invalid argument") {
		t.Fatalf("bad address: %q", got)
	}
}

func TestStartOverMonitorCommands(t *testing.T) {
	t.Parallel()

	src := newVMM(t, false)
	dst := newVMM(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dstErr := make(chan error, 1)

	go func() {
		dstErr <- dst.Run(ctx, func(ctx context.Context) error {
			if err := dst.Command(ctx, "migration_listen 127.0.0.1:0"); err != nil {
				return err
			}

			return dst.Command(ctx, "migration_start online")
		})
	}()

	waitFor(t, "destination listening", func() bool {
		return dst.Session.Status().State.String() == "listening"
	})

	if err := src.Command(ctx, "migration_connect 127.0.0.1:0 "+dst.Session.Status().Local); err != nil {
		t.Fatal(err)
	}

	if err := src.Command(ctx, "migration_start online"); err != nil {
		t.Fatal(err)
	}

	if err := <-dstErr; err != nil {
		t.Fatalf("destination: %v", err)
	}
}

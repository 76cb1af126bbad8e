package vmm_test

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/bobuhiro11/kvmigrate/dirty"
	"github.com/bobuhiro11/kvmigrate/kvm"
	"github.com/bobuhiro11/kvmigrate/migration"
	"github.com/bobuhiro11/kvmigrate/vmm"
)

const (
	memSize     = 4 << 20
	ramSize     = memSize - (dirty.HighMemStart - dirty.LowMemEnd)
	waitTimeout = 10 * time.Second
)

func newVMM(t *testing.T, async bool) *vmm.VMM {
	t.Helper()

	return newVMMOn(t, "", async)
}

// newVMMOn attaches guest memory to a KVM VM on dev unless dev is empty.
func newVMMOn(t *testing.T, dev string, async bool) *vmm.VMM {
	t.Helper()

	if dev != "" && os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	v := vmm.New(vmm.Config{
		Dev:         dev,
		MemSize:     memSize,
		Capacity:    64 << 10,
		Async:       async,
		ControlPath: t.TempDir() + "/ctl.sock",
	})

	if err := v.Init(); err != nil {
		if dev != "" && kvm.IsUnavailable(err) {
			t.Skipf("kvm not available: %v", err)
		}

		t.Fatalf("Init: %v", err)
	}

	t.Cleanup(func() { v.Close() })

	return v
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)

	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func writePages(t *testing.T, v *vmm.VMM, first, n int, fill byte) {
	t.Helper()

	page := bytes.Repeat([]byte{fill}, dirty.PageSize)

	for p := first; p < first+n; p++ {
		if err := v.Mem.WritePhysical(uint64(p)*dirty.PageSize, page); err != nil {
			t.Errorf("write page %d: %v", p, err)
		}
	}
}

type incomingResult struct {
	stats *vmm.Stats
	err   error
}

// startIncoming runs a listening destination and returns its address.
func startIncoming(t *testing.T, dst *vmm.VMM) (string, <-chan incomingResult) {
	t.Helper()

	resc := make(chan incomingResult, 1)

	go func() {
		var stats *vmm.Stats

		err := dst.Run(context.Background(), func(ctx context.Context) error {
			if err := dst.Command(ctx, "migration_listen 127.0.0.1:0"); err != nil {
				return err
			}

			var err error

			stats, err = dst.Incoming(ctx)

			return err
		})

		resc <- incomingResult{stats: stats, err: err}
	}()

	waitFor(t, "destination listening", func() bool {
		return dst.Session.Status().State == migration.StateListening
	})

	return dst.Session.Status().Local, resc
}

func TestMigrateMemory(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name     string
		srcDev   string
		srcAsync bool
	}{
		{name: "SyncSourceAsyncDestination", srcAsync: false},
		{name: "AsyncSourceAsyncDestination", srcAsync: true},
		{name: "KVMSourceAsyncDestination", srcDev: "/dev/kvm", srcAsync: true},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			src := newVMMOn(t, test.srcDev, test.srcAsync)
			dst := newVMM(t, true)

			writePages(t, src, 0, 10, 0xAA)
			writePages(t, src, dirty.HighMemStart/dirty.PageSize, 100, 0xBB)

			// 50 distinct pages in each of the first two rounds keep
			// pre-copy going; two pages in the third fall below the
			// threshold; one more lands in the final round.
			writes := []struct{ first, n int }{{300, 50}, {400, 50}, {500, 2}, {600, 1}}
			src.BetweenRounds = func(round int) {
				w := writes[round]
				writePages(t, src, w.first, w.n, byte(round+1))
			}

			addr, resc := startIncoming(t, dst)

			var stats *vmm.Stats

			err := src.Run(context.Background(), func(ctx context.Context) error {
				if err := src.Command(ctx, "migration_connect 127.0.0.1:0 "+addr); err != nil {
					return err
				}

				var err error

				stats, err = src.MigrateTo(ctx)

				return err
			})
			if err != nil {
				t.Fatalf("MigrateTo: %v", err)
			}

			if stats.Rounds != 3 || stats.DirtyPages != 103 || stats.FullBytes != ramSize {
				t.Fatalf("source stats: %+v", stats)
			}

			var res incomingResult

			select {
			case res = <-resc:
			case <-time.After(waitTimeout):
				t.Fatal("destination did not finish")
			}

			if res.err != nil {
				t.Fatalf("Incoming: %v", res.err)
			}

			if *res.stats != *stats {
				t.Fatalf("destination stats %+v, source stats %+v", res.stats, stats)
			}

			if !bytes.Equal(src.Mem.Image(), dst.Mem.Image()) {
				t.Fatal("destination memory differs from source")
			}

			if src.Tracker.Enabled() {
				t.Fatal("dirty tracking left enabled")
			}
		})
	}
}

func TestMigrateWithoutConnection(t *testing.T) {
	t.Parallel()

	src := newVMM(t, false)

	if _, err := src.MigrateTo(context.Background()); migration.KindOf(err) != migration.KindRole {
		t.Fatalf("got %v, want a role error", err)
	}
}

func TestIncomingStreamEnds(t *testing.T) {
	t.Parallel()

	src := newVMM(t, false)
	dst := newVMM(t, true)

	addr, resc := startIncoming(t, dst)

	if err := src.Command(context.Background(), "migration_connect 127.0.0.1:0 "+addr); err != nil {
		t.Fatal(err)
	}

	sender := migration.NewSender(migration.NewWriter(src.Session))
	if err := sender.SendMemoryFull(src.Mem.Image()); err != nil {
		t.Fatal(err)
	}

	src.Session.Cancel()

	select {
	case res := <-resc:
		if res.err == nil {
			t.Fatal("Incoming succeeded without MsgDone")
		}

		if res.stats.FullBytes != memSize {
			t.Fatalf("full image not applied: %+v", res.stats)
		}
	case <-time.After(waitTimeout):
		t.Fatal("destination did not finish")
	}
}

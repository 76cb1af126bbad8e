package vmm

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobuhiro11/kvmigrate/dirty"
	"github.com/bobuhiro11/kvmigrate/eventloop"
	"github.com/bobuhiro11/kvmigrate/kvm"
	"github.com/bobuhiro11/kvmigrate/memory"
	"github.com/bobuhiro11/kvmigrate/migration"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type VMM struct {
	Config

	VM      *kvm.VM
	Mem     *memory.Memory
	Dirty   *dirty.Bitmap
	Tracker *dirty.Tracker
	Loop    *eventloop.Loop
	Session *migration.Session

	// BetweenRounds, when set, runs before every dirty page sync of
	// MigrateTo. It stands in for guest activity during pre-copy.
	BetweenRounds func(round int)

	console *monitorConsole
}

func New(c Config) *VMM {
	return &VMM{
		Config:  c,
		console: &monitorConsole{base: migration.NewLogConsole()},
	}
}

// Init allocates guest memory, the dirty tracker and the migration session.
func (v *VMM) Init() error {
	mem, err := memory.New(uint64(v.MemSize))
	if err != nil {
		return err
	}

	v.Mem = mem

	if v.Dev != "" {
		vm, err := kvm.Open(v.Dev)
		if err != nil {
			return fmt.Errorf("open %s: %w", v.Dev, err)
		}

		v.VM = vm

		if err := mem.AttachVM(vm.Fd()); err != nil {
			return err
		}
	}

	v.Dirty = dirty.NewBitmap(mem.Size())
	v.Tracker = dirty.New(mem, mem.Size(), v.Dirty)

	c := migration.Config{
		Capacity:  v.Capacity,
		Threshold: v.Threshold,
		Console:   v.console,
	}

	if v.Async {
		l, err := eventloop.New()
		if err != nil {
			return fmt.Errorf("event loop: %w", err)
		}

		v.Loop = l
		c.Loop = l
	}

	v.Session = migration.NewSession(c)

	return nil
}

// Run drives the event loop, if any, while fn runs. The loop is stopped
// when fn returns.
func (v *VMM) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	lctx, stop := context.WithCancel(gctx)

	if v.Loop != nil {
		g.Go(func() error {
			if err := v.Loop.Run(lctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		})
	}

	g.Go(func() error {
		defer stop()

		return fn(gctx)
	})

	return g.Wait()
}

// onLoop runs fn on the event loop goroutine when there is one, so that
// session commands are serialized with socket callbacks.
func (v *VMM) onLoop(ctx context.Context, fn func() error) error {
	if v.Loop == nil {
		return fn()
	}

	errc := make(chan error, 1)

	if err := v.Loop.Post(func() { errc <- fn() }); err != nil {
		return err
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases everything Init allocated.
func (v *VMM) Close() error {
	var errs []error

	if v.Session != nil {
		v.Session.Cancel()
	}

	if v.Tracker != nil {
		errs = append(errs, v.Tracker.SetTracking(false))
	}

	if v.Loop != nil {
		v.Loop.Close()
		errs = append(errs, v.Loop.Release())
	}

	if v.Mem != nil {
		errs = append(errs, v.Mem.Close())
	}

	if v.VM != nil {
		errs = append(errs, v.VM.Close())
	}

	if err := errors.Join(errs...); err != nil {
		log.WithError(err).Warn("vmm: close")

		return err
	}

	return nil
}

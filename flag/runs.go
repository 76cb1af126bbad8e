package flag

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/kvmigrate/dirty"
	"github.com/bobuhiro11/kvmigrate/probe"
	"github.com/bobuhiro11/kvmigrate/vmm"
	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"
)

// Globals are the flags shared by every sub-command. Flags left empty keep
// the value of the configuration file, which in turn overrides the
// built-in defaults.
type Globals struct {
	Config     string `short:"f" help:"YAML configuration file" type:"existingfile"`
	LogLevel   string `help:"log level (panic, fatal, error, warn, info, debug, trace)"`
	CPUProfile string `name:"cpuprofile" help:"write a CPU profile into this directory" type:"path"`

	Dev       string `short:"D" help:"path of kvm device"`
	NoKVM     bool   `name:"no-kvm" help:"keep guest memory out of KVM and log dirty pages in software"`
	MemSize   string `short:"m" help:"memory size: as number[gGmMkK], optional units, defaults to M"`
	Capacity  string `help:"ring buffer capacity: as number[gGmMkK]"`
	Threshold string `help:"flush threshold: as number[gGmMkK]"`
	Sync      bool   `help:"block in accept and read instead of using an event loop"`
	Control   string `help:"monitor socket path, %d is replaced by the pid"`
}

type ListenCMD struct {
	Local  string `arg:"" optional:"" help:"local address to listen on (default localhost:4455)"`
	Remote string `arg:"" optional:"" help:"expected source address"`
}

type ConnectCMD struct {
	Local  string `arg:"" optional:"" help:"local address to bind (default localhost:4456)"`
	Remote string `arg:"" optional:"" help:"destination address (default localhost:4455)"`
	Touch  int    `short:"t" help:"pages to write between pre-copy rounds, simulating a running guest"`
}

type MonitorCMD struct{}

type ProbeCMD struct{}

type CLI struct {
	Globals

	Listen  ListenCMD  `cmd:"" help:"receive guest memory from a source"`
	Connect ConnectCMD `cmd:"" help:"send guest memory to a destination"`
	Monitor MonitorCMD `cmd:"" help:"serve migration monitor commands over a unix socket"`
	Probe   ProbeCMD   `cmd:"" help:"print KVM capabilities used for dirty logging"`
}

func Parse() error {
	c := CLI{}

	programName := "kvmigrate"
	programDesc := "kvmigrate moves guest memory between two processes with pre-copy dirty page tracking"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if c.CPUProfile != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(c.CPUProfile), profile.Quiet).Stop()
	}

	err := ctx.Run(&c.Globals)

	return err
}

// VMMConfig merges defaults, the configuration file and the flags, and sets
// the log level.
func (g *Globals) VMMConfig() (vmm.Config, error) {
	c := vmm.DefaultConfig()
	level := ""

	if g.Config != "" {
		f, err := LoadFile(g.Config)
		if err != nil {
			return c, err
		}

		if err := f.Apply(&c); err != nil {
			return c, fmt.Errorf("%s: %w", g.Config, err)
		}

		level = f.LogLevel
	}

	if g.LogLevel != "" {
		level = g.LogLevel
	}

	if level != "" {
		l, err := log.ParseLevel(level)
		if err != nil {
			return c, err
		}

		log.SetLevel(l)
	}

	f := &File{
		MemSize:     g.MemSize,
		Capacity:    g.Capacity,
		Threshold:   g.Threshold,
		ControlPath: g.Control,
	}

	if err := f.Apply(&c); err != nil {
		return c, err
	}

	if g.Dev != "" {
		c.Dev = g.Dev
	}

	if g.NoKVM {
		c.Dev = ""
	}

	if g.Sync {
		c.Async = false
	}

	return c, nil
}

func (g *Globals) start(local, remote string) (*vmm.VMM, error) {
	c, err := g.VMMConfig()
	if err != nil {
		return nil, err
	}

	if local != "" {
		c.Local = local
	}

	if remote != "" {
		c.Remote = remote
	}

	v := vmm.New(c)

	if err := v.Init(); err != nil {
		v.Close()

		return nil, err
	}

	return v, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (l *ListenCMD) Run(g *Globals) error {
	v, err := g.start(l.Local, l.Remote)
	if err != nil {
		return err
	}

	defer v.Close()

	ctx, cancel := signalContext()
	defer cancel()

	return v.Run(ctx, func(ctx context.Context) error {
		if err := v.Command(ctx, "migration_listen"); err != nil {
			return err
		}

		stats, err := v.Incoming(ctx)
		if err != nil {
			return err
		}

		log.Infof("received %d bytes of memory and %d dirty pages", stats.FullBytes, stats.DirtyPages)

		return nil
	})
}

func (c *ConnectCMD) Run(g *Globals) error {
	v, err := g.start(c.Local, c.Remote)
	if err != nil {
		return err
	}

	defer v.Close()

	if c.Touch > 0 {
		v.BetweenRounds = toucher(v, c.Touch)
	}

	ctx, cancel := signalContext()
	defer cancel()

	return v.Run(ctx, func(ctx context.Context) error {
		if err := v.Command(ctx, "migration_connect"); err != nil {
			return err
		}

		stats, err := v.MigrateTo(ctx)
		if err != nil {
			return err
		}

		log.Infof("sent %d bytes of memory and %d dirty pages in %d rounds",
			stats.FullBytes, stats.DirtyPages, stats.Rounds)

		return nil
	})
}

// toucher writes n pages of high memory per round, shrinking by half every
// round.
func toucher(v *vmm.VMM, n int) func(int) {
	first := dirty.HighMemStart / dirty.PageSize
	highPages := int(v.Mem.Size()/dirty.PageSize) - first

	return func(round int) {
		count := n >> round
		if count > highPages {
			count = highPages
		}

		page := []byte{0}

		for i := 0; i < count; i++ {
			page[0] = byte(round)
			addr := uint64(first+(i*7919+round)%highPages) * dirty.PageSize

			if err := v.Mem.WritePhysical(addr, page); err != nil {
				log.WithError(err).Warn("touch guest memory")

				return
			}
		}
	}
}

func (m *MonitorCMD) Run(g *Globals) error {
	v, err := g.start("", "")
	if err != nil {
		return err
	}

	defer v.Close()

	ctx, cancel := signalContext()
	defer cancel()

	return v.Run(ctx, func(ctx context.Context) error {
		path, err := v.StartControlSocket(ctx)
		if err != nil {
			return err
		}

		log.Infof("monitor listening on %s", path)
		<-ctx.Done()

		return nil
	})
}

func (d *ProbeCMD) Run(g *Globals) error {
	c, err := g.VMMConfig()
	if err != nil {
		return err
	}

	if err := probe.KVMCapabilities(os.Stdout, c.Dev); err != nil {
		return err
	}

	return nil
}

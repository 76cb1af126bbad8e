package vmm

import "github.com/bobuhiro11/kvmigrate/migration"

const (
	DefaultMemSize     = 64 << 20
	DefaultControlPath = "/tmp/kvmigrate-%d.sock"
)

// Config describes one migration endpoint.
type Config struct {
	// Dev is the KVM device. With an empty Dev guest memory is not
	// registered with KVM and dirty pages are logged in software.
	Dev     string
	MemSize int

	// Local and Remote are the session addresses; empty selects the
	// session defaults.
	Local  string
	Remote string

	Capacity  int
	Threshold int

	// Async drives the session from an event loop instead of blocking
	// the caller.
	Async bool

	// ControlPath is the monitor socket path. A %d verb is replaced by
	// the process id.
	ControlPath string
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Dev:         "/dev/kvm",
		MemSize:     DefaultMemSize,
		Capacity:    0,
		Threshold:   migration.DefaultThreshold,
		Async:       true,
		ControlPath: DefaultControlPath,
	}
}

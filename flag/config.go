package flag

import (
	"fmt"
	"os"

	"github.com/bobuhiro11/kvmigrate/vmm"
	"gopkg.in/yaml.v3"
)

// File is the on-disk configuration. Sizes use the ParseSize syntax; empty
// fields keep the built-in default.
type File struct {
	Dev         *string `yaml:"dev"`
	MemSize     string  `yaml:"mem_size"`
	Local       string  `yaml:"local"`
	Remote      string  `yaml:"remote"`
	Capacity    string  `yaml:"capacity"`
	Threshold   string  `yaml:"threshold"`
	Async       *bool   `yaml:"async"`
	ControlPath string  `yaml:"control_path"`
	LogLevel    string  `yaml:"log_level"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	f := &File{}

	if err := yaml.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return f, nil
}

// Apply overrides the fields of c that f sets.
func (f *File) Apply(c *vmm.Config) error {
	if f.Dev != nil {
		c.Dev = *f.Dev
	}

	if err := setSize(&c.MemSize, f.MemSize, "m"); err != nil {
		return fmt.Errorf("mem_size: %w", err)
	}

	if err := setSize(&c.Capacity, f.Capacity, ""); err != nil {
		return fmt.Errorf("capacity: %w", err)
	}

	if err := setSize(&c.Threshold, f.Threshold, ""); err != nil {
		return fmt.Errorf("threshold: %w", err)
	}

	if f.Async != nil {
		c.Async = *f.Async
	}

	setString(&c.Local, f.Local)
	setString(&c.Remote, f.Remote)
	setString(&c.ControlPath, f.ControlPath)

	return nil
}

func setSize(dst *int, s, unit string) error {
	if s == "" {
		return nil
	}

	n, err := ParseSize(s, unit)
	if err != nil {
		return err
	}

	*dst = n

	return nil
}

func setString(dst *string, s string) {
	if s != "" {
		*dst = s
	}
}

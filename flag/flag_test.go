package flag_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/kvmigrate/flag"
	"github.com/bobuhiro11/kvmigrate/vmm"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		in, unit string
		want     int
		ok       bool
	}{
		{in: "1G", want: 1 << 30, ok: true},
		{in: "64m", want: 64 << 20, ok: true},
		{in: "256K", want: 256 << 10, ok: true},
		{in: "4096", want: 4096, ok: true},
		{in: "2", unit: "m", want: 2 << 20, ok: true},
		{in: "0x10k", want: 16 << 10, ok: true},
		{in: "M", ok: false},
		{in: "12x", ok: false},
		{in: "1", unit: "t", ok: false},
	} {
		got, err := flag.ParseSize(test.in, test.unit)
		if (err == nil) != test.ok {
			t.Errorf("ParseSize(%q, %q): err = %v", test.in, test.unit, err)

			continue
		}

		if test.ok && got != test.want {
			t.Errorf("ParseSize(%q, %q) = %d, want %d", test.in, test.unit, got, test.want)
		}
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "kvmigrate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
dev: ""
mem_size: "128"
local: 0.0.0.0:5000
capacity: 64k
async: false
control_path: /run/kvmigrate.sock
`)

	f, err := flag.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	c := vmm.DefaultConfig()

	if err := f.Apply(&c); err != nil {
		t.Fatal(err)
	}

	want := vmm.DefaultConfig()
	want.Dev = ""
	want.MemSize = 128 << 20
	want.Local = "0.0.0.0:5000"
	want.Capacity = 64 << 10
	want.Async = false
	want.ControlPath = "/run/kvmigrate.sock"

	if c != want {
		t.Fatalf("got %+v\nwant %+v", c, want)
	}
}

func TestLoadFileErrors(t *testing.T) {
	t.Parallel()

	if _, err := flag.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}

	if _, err := flag.LoadFile(writeConfig(t, "mem_size: [1, 2]\n")); err == nil {
		t.Error("malformed file accepted")
	}

	f, err := flag.LoadFile(writeConfig(t, "capacity: lots\n"))
	if err != nil {
		t.Fatal(err)
	}

	c := vmm.DefaultConfig()
	if err := f.Apply(&c); err == nil {
		t.Error("bad size accepted")
	}
}

func TestVMMConfigPrecedence(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "mem_size: 32m\nthreshold: \"512\"\n")

	g := &flag.Globals{
		Config:  path,
		MemSize: "16",
		NoKVM:   true,
		Sync:    true,
	}

	c, err := g.VMMConfig()
	if err != nil {
		t.Fatal(err)
	}

	if c.MemSize != 16<<20 {
		t.Errorf("MemSize: flag should win, got %d", c.MemSize)
	}

	if c.Threshold != 512 {
		t.Errorf("Threshold: file should win over default, got %d", c.Threshold)
	}

	if c.Dev != "" || c.Async {
		t.Errorf("Dev=%q Async=%v", c.Dev, c.Async)
	}
}

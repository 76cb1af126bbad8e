package probe_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobuhiro11/kvmigrate/kvm"
	"github.com/bobuhiro11/kvmigrate/probe"
)

func TestKVMCapabilities(t *testing.T) {
	t.Parallel()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	var out bytes.Buffer

	err := probe.KVMCapabilities(&out, "")
	if kvm.IsUnavailable(err) {
		t.Skipf("kvm not available: %v", err)
	}

	if err != nil {
		t.Fatal(err)
	}

	for _, c := range kvm.MigrationCapabilities {
		if !strings.Contains(out.String(), c.String()) {
			t.Errorf("%s missing from output:\n%s", c, out.String())
		}
	}
}

func TestKVMCapabilitiesMissingDevice(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	if err := probe.KVMCapabilities(&out, filepath.Join(t.TempDir(), "kvm")); err == nil {
		t.Fatal("probing a missing device succeeded")
	}
}

package probe

import (
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/kvmigrate/kvm"
)

const defaultDev = "/dev/kvm"

// KVMCapabilities prints, for every capability dirty page tracking relies
// on, whether the KVM device at dev supports it.
func KVMCapabilities(w io.Writer, dev string) error {
	if dev == "" {
		dev = defaultDev
	}

	kvmFile, err := os.Open(dev)
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	return printCapabilities(w, kvmFile.Fd())
}

func printCapabilities(w io.Writer, kvmfd uintptr) error {
	v, err := kvm.GetAPIVersion(kvmfd)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%-30s: %d\n", "APIVersion", v)

	for _, c := range kvm.MigrationCapabilities {
		res, err := kvm.CheckExtension(kvmfd, c)
		if err != nil {
			return err
		}

		switch c {
		case kvm.CapNRMemSlots, kvm.CapMultiAddressSpace, kvm.CapManualDirtyLogProtect2, kvm.CapDirtyLogRing:
			fmt.Fprintf(w, "%-30s: %d\n", c, res)
		default:
			fmt.Fprintf(w, "%-30s: %t\n", c, res != 0)
		}
	}

	return nil
}

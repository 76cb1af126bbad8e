package kvm

import "fmt"

// Capability is a KVM_CAP_* extension number.
type Capability uint

const (
	CapIRQChip                Capability = 0
	CapUserMemory             Capability = 3
	CapSetTSSAddr             Capability = 4
	CapNRMemSlots             Capability = 10
	CapSyncMMU                Capability = 16
	CapJoinMemoryRegionsWorks Capability = 30
	CapMultiAddressSpace      Capability = 118
	CapManualDirtyLogProtect2 Capability = 168
	CapDirtyLogRing           Capability = 192
)

var capabilityNames = map[Capability]string{
	CapIRQChip:                "CapIRQChip",
	CapUserMemory:             "CapUserMemory",
	CapSetTSSAddr:             "CapSetTSSAddr",
	CapNRMemSlots:             "CapNRMemSlots",
	CapSyncMMU:                "CapSyncMMU",
	CapJoinMemoryRegionsWorks: "CapJoinMemoryRegionsWorks",
	CapMultiAddressSpace:      "CapMultiAddressSpace",
	CapManualDirtyLogProtect2: "CapManualDirtyLogProtect2",
	CapDirtyLogRing:           "CapDirtyLogRing",
}

func (c Capability) String() string {
	if s, ok := capabilityNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint(c))
}

// MigrationCapabilities are the extensions that dirty page tracking relies
// on, in the order they are probed.
var MigrationCapabilities = []Capability{ //nolint:gochecknoglobals
	CapUserMemory,
	CapNRMemSlots,
	CapSyncMMU,
	CapJoinMemoryRegionsWorks,
	CapMultiAddressSpace,
	CapManualDirtyLogProtect2,
	CapDirtyLogRing,
}

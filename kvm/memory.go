package kvm

import "unsafe"

const memLogDirtyPages = 1 << 0

// UserspaceMemoryRegion defines Memory Regions.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages sets region flags to log dirty pages.
// This is useful in many situations, including migration.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= memLogDirtyPages
}

// ClearMemLogDirtyPages stops dirty logging for the region.
func (r *UserspaceMemoryRegion) ClearMemLogDirtyPages() {
	r.Flags &^= memLogDirtyPages
}

// SetUserMemoryRegion adds a memory region to a vm -- not a vcpu, a vm.
// Calling it again for the same slot with different flags updates the slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}

// DirtyLog is struct kvm_dirty_log. BitMap points at a buffer of at least
// DirtyLogSize(pages) bytes.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64
}

// DirtyLogSize is the size KVM writes for a slot of the given number of
// pages: one bit per page, rounded up to whole 64-bit words.
func DirtyLogSize(pages uint64) int {
	return int((pages + 63) / 64 * 8)
}

// GetDirtyLog copies the dirty bitmap of a slot and clears it in the kernel.
// The slot must have been registered with SetMemLogDirtyPages.
func GetDirtyLog(vmFd uintptr, dl *DirtyLog) error {
	_, err := Ioctl(vmFd, kvmGetDirtyLog, uintptr(unsafe.Pointer(dl)))

	return err
}

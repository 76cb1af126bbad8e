// Package memory provides guest physical RAM and its dirty page log.
//
// Guest RAM is one anonymous mapping laid out as two slots around the legacy
// VGA/ROM window: slot 0 covers [0, 0xA0000) and slot 1 covers
// [0xC0000, size). The window is mapped but is not RAM and cannot be
// accessed through ReadPhysical or WritePhysical.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/bobuhiro11/kvmigrate/dirty"
	"github.com/bobuhiro11/kvmigrate/kvm"
	"golang.org/x/sys/unix"
)

var (
	errTooSmall        = errors.New("guest memory must extend past the VGA window")
	errUnaligned       = errors.New("guest memory size must be page aligned")
	errOutOfRange      = errors.New("guest physical range is not RAM")
	errSlotNotFound    = errors.New("unable to find MemorySlot")
	errNotLogging      = errors.New("dirty logging is not enabled")
	errSizeMismatch    = errors.New("memory image size mismatch")
	errAlreadyAttached = errors.New("memory already attached to a VM")
	errShortBitmap     = errors.New("page bitmap too short")
)

// Memory is the guest RAM of one VM.
type Memory struct {
	mu      sync.Mutex
	buf     []byte
	as      *AddressSpace
	Slots   []*MemorySlot
	vmFd    uintptr
	kvm     bool
	logging bool
}

type MemorySlot struct {
	Slot uint32
	Addr uint64
	Size uint64
	Buf  []byte
	AS   *AddressSpace

	// log records host writes while dirty logging is on.
	log []uint64
}

func (s *MemorySlot) pages() uint64 { return s.Size / dirty.PageSize }

// PageBitmapSize returns the bytes of bitmap needed for n bytes of memory.
func PageBitmapSize(n uint64) int {
	return dirty.BitmapSize(n)
}

// New maps size bytes of guest RAM.
func New(size uint64) (*Memory, error) {
	if size%dirty.PageSize != 0 {
		return nil, errUnaligned
	}

	if size <= dirty.HighMemStart {
		return nil, fmt.Errorf("%w: %#x", errTooSmall, size)
	}

	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	m := &Memory{
		buf: buf,
		as:  NewAddressSpace("phys-ram", 0, size),
	}

	if err := m.newMemorySlot(0, 0, dirty.LowMemEnd, "low-ram"); err != nil {
		unix.Munmap(buf)

		return nil, err
	}

	if err := m.newMemorySlot(1, dirty.HighMemStart, size-dirty.HighMemStart, "high-ram"); err != nil {
		unix.Munmap(buf)

		return nil, err
	}

	return m, nil
}

func (m *Memory) newMemorySlot(id uint32, addr, size uint64, name string) error {
	as := NewAddressSpace(name, addr, size)
	if err := m.as.AddAddress(as); err != nil {
		return fmt.Errorf("slot %d: %w", id, err)
	}

	m.Slots = append(m.Slots, &MemorySlot{
		Slot: id,
		Addr: addr,
		Size: size,
		Buf:  m.buf[addr : addr+size],
		AS:   as,
	})

	return nil
}

func (m *Memory) Size() uint64 { return uint64(len(m.buf)) }

// FindSlot returns the slot that starts at addr.
func (m *Memory) FindSlot(addr uint64) (*MemorySlot, error) {
	for _, slot := range m.Slots {
		if slot.Addr == addr {
			return slot, nil
		}
	}

	return nil, errSlotNotFound
}

func (m *Memory) slotFor(addr uint64, n int) (*MemorySlot, error) {
	as := m.as.Find(addr, uint64(n))
	if as == nil {
		return nil, fmt.Errorf("%w: [%#x, %#x)", errOutOfRange, addr, addr+uint64(n))
	}

	return m.FindSlot(as.Start)
}

// ReadPhysical copies guest memory at addr into p.
func (m *Memory) ReadPhysical(addr uint64, p []byte) error {
	slot, err := m.slotFor(addr, len(p))
	if err != nil {
		return err
	}

	copy(p, slot.Buf[addr-slot.Addr:])

	return nil
}

// WritePhysical copies p into guest memory at addr. While dirty logging is
// on the written pages are recorded in the software dirty log.
func (m *Memory) WritePhysical(addr uint64, p []byte) error {
	slot, err := m.slotFor(addr, len(p))
	if err != nil {
		return err
	}

	off := addr - slot.Addr
	copy(slot.Buf[off:], p)

	if len(p) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if slot.log != nil {
		for page := off / dirty.PageSize; page <= (off+uint64(len(p))-1)/dirty.PageSize; page++ {
			slot.log[page/64] |= 1 << (page % 64)
		}
	}

	return nil
}

// PhysRAMPageBitmap sets in bitmap the bit of every guest page backed by
// RAM. Bit i of byte j stands for page 8*j+i, so the VGA window stays clear.
func (m *Memory) PhysRAMPageBitmap(bitmap []byte) error {
	n := PageBitmapSize(m.Size())
	if len(bitmap) < n {
		return fmt.Errorf("%w: got %d want %d", errShortBitmap, len(bitmap), n)
	}

	clear(bitmap[:n])

	for _, slot := range m.Slots {
		first := slot.Addr / dirty.PageSize
		for page := first; page < first+slot.pages(); page++ {
			bitmap[page/8] |= 1 << (page % 8)
		}
	}

	return nil
}

// Image returns the whole guest memory mapping, VGA window included.
func (m *Memory) Image() []byte { return m.buf }

// LoadImage overwrites guest memory with an image produced by Image.
func (m *Memory) LoadImage(img []byte) error {
	if len(img) != len(m.buf) {
		return fmt.Errorf("%w: got %d want %d", errSizeMismatch, len(img), len(m.buf))
	}

	copy(m.buf, img)

	return nil
}

// AttachVM registers the memory slots with a KVM VM. From then on guest
// writes are logged by KVM and merged with the host write log.
func (m *Memory) AttachVM(vmFd uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kvm {
		return errAlreadyAttached
	}

	m.vmFd = vmFd

	for _, slot := range m.Slots {
		if err := m.setRegion(slot, m.logging); err != nil {
			return err
		}
	}

	m.kvm = true

	return nil
}

func (m *Memory) setRegion(slot *MemorySlot, logDirty bool) error {
	region := &kvm.UserspaceMemoryRegion{
		Slot:          slot.Slot,
		GuestPhysAddr: slot.Addr,
		MemorySize:    slot.Size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&slot.Buf[0]))),
	}

	if logDirty {
		region.SetMemLogDirtyPages()
	} else {
		region.ClearMemLogDirtyPages()
	}

	if err := kvm.SetUserMemoryRegion(m.vmFd, region); err != nil {
		return fmt.Errorf("SetUserMemoryRegion slot %d: %w", slot.Slot, err)
	}

	return nil
}

// EnableDirtyLogging starts logging writes on every slot.
func (m *Memory) EnableDirtyLogging() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, slot := range m.Slots {
		if m.kvm {
			if err := m.setRegion(slot, true); err != nil {
				return err
			}
		}

		// KVM only sees guest writes, host writes are always logged here.
		slot.log = make([]uint64, (slot.pages()+63)/64)
	}

	m.logging = true

	return nil
}

// DisableDirtyLogging stops logging and drops any unfetched log.
func (m *Memory) DisableDirtyLogging() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logging = false

	for _, slot := range m.Slots {
		slot.log = nil

		if m.kvm {
			if err := m.setRegion(slot, false); err != nil {
				return err
			}
		}
	}

	return nil
}

// FetchDirtyBitmap copies the dirty log of the slot starting at regionStart
// into bitmap and clears it. Bits that do not fit in bitmap are dropped.
func (m *Memory) FetchDirtyBitmap(regionStart uint64, bitmap []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.logging {
		return errNotLogging
	}

	slot, err := m.FindSlot(regionStart)
	if err != nil {
		return err
	}

	words := slot.log

	if m.kvm {
		words = make([]uint64, kvm.DirtyLogSize(slot.pages())/8)
		dl := &kvm.DirtyLog{
			Slot:   slot.Slot,
			BitMap: uint64(uintptr(unsafe.Pointer(&words[0]))),
		}

		if err := kvm.GetDirtyLog(m.vmFd, dl); err != nil {
			return fmt.Errorf("GetDirtyLog slot %d: %w", slot.Slot, err)
		}

		for i, word := range slot.log {
			words[i] |= word
		}
	}

	var w [8]byte

	for i, word := range words {
		if word == 0 {
			continue
		}

		binary.LittleEndian.PutUint64(w[:], word)
		if i*8 < len(bitmap) {
			copy(bitmap[i*8:], w[:])
		}
	}

	clear(slot.log)

	return nil
}

// Close unmaps guest memory.
func (m *Memory) Close() error {
	return unix.Munmap(m.buf)
}

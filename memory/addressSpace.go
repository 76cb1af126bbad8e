package memory

import (
	"errors"
)

var errAddrSpaceOccupied = errors.New("address space occupied")

// AddressSpace is a named range of guest physical addresses, possibly
// subdivided into non-overlapping children.
type AddressSpace struct {
	Name      string
	Start     uint64
	Size      uint64
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start, size uint64) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

func (a *AddressSpace) End() uint64 { return a.Start + a.Size }

func (a *AddressSpace) AddAddress(addr *AddressSpace) error {
	if !a.InRange(addr) || !a.IsFree(addr) {
		return errAddrSpaceOccupied
	}

	a.Addresses = append(a.Addresses, addr)

	return nil
}

// InRange reports whether addr lies entirely within a.
func (a *AddressSpace) InRange(addr *AddressSpace) bool {
	return addr.Start >= a.Start && addr.End() <= a.End()
}

// IsFree reports whether ad overlaps none of the children of a.
func (a *AddressSpace) IsFree(ad *AddressSpace) bool {
	for _, addr := range a.Addresses {
		if ad.Start < addr.End() && addr.Start < ad.End() {
			return false
		}
	}

	return true
}

// Find returns the child containing [start, start+size).
func (a *AddressSpace) Find(start, size uint64) *AddressSpace {
	for _, addr := range a.Addresses {
		if start >= addr.Start && start+size <= addr.End() && start+size >= start {
			return addr
		}
	}

	return nil
}

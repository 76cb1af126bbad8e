// Package dirty merges the hypervisor's per-region dirty page logs into a
// process-wide page bitmap.
package dirty

import (
	"errors"
	"fmt"
	"math/bits"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	PageSize = 4096

	// LowMemEnd is the end of conventional memory. Guest RAM resumes at
	// HighMemStart after the VGA and option ROM window.
	LowMemEnd    = 0xA0000
	HighMemStart = 0xC0000
)

var (
	ErrDisabled   = errors.New("dirty tracking is not enabled")
	ErrShortSlice = errors.New("scratch bitmap smaller than region")
)

// BitmapSize is the number of bitmap bytes needed for a region of
// regionBytes: one bit per page, rounded up to whole bytes.
func BitmapSize(regionBytes uint64) int {
	return int((regionBytes/PageSize + 7) / 8)
}

// Hypervisor is the memory tracking facility of the virtualization layer.
type Hypervisor interface {
	EnableDirtyLogging() error
	DisableDirtyLogging() error
	// FetchDirtyBitmap fills bitmap with the raw log of the region that
	// starts at regionStart, bit i standing for the page at
	// regionStart+i*PageSize.
	FetchDirtyBitmap(regionStart uint64, bitmap []byte) error
}

// Marker receives the guest physical addresses found dirty.
type Marker interface {
	SetDirty(addr uint64)
}

// Tracker holds the scratch bitmap that hypervisor logs are fetched into.
// The scratch bitmap exists iff tracking is enabled.
type Tracker struct {
	hv      Hypervisor
	memSize uint64
	marker  Marker
	scratch []byte
}

func New(hv Hypervisor, memSize uint64, marker Marker) *Tracker {
	return &Tracker{
		hv:      hv,
		memSize: memSize,
		marker:  marker,
	}
}

func (t *Tracker) Enabled() bool { return t.scratch != nil }

// SetTracking turns hypervisor dirty logging on or off. Asking for the
// current state is a no-op.
func (t *Tracker) SetTracking(enable bool) error {
	if enable {
		if t.scratch != nil {
			return nil
		}

		size := BitmapSize(t.memSize)
		if size == 0 {
			size = 1
		}

		buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			log.WithError(err).Error("Failed to allocate dirty pages bitmap")

			return fmt.Errorf("allocate dirty bitmap: %w", err)
		}

		if err := t.hv.EnableDirtyLogging(); err != nil {
			unix.Munmap(buf)

			return fmt.Errorf("enable dirty logging: %w", err)
		}

		t.scratch = buf

		return nil
	}

	if t.scratch == nil {
		return nil
	}

	err := t.hv.DisableDirtyLogging()

	if merr := unix.Munmap(t.scratch); err == nil && merr != nil {
		err = merr
	}

	t.scratch = nil

	if err != nil {
		return fmt.Errorf("disable dirty logging: %w", err)
	}

	return nil
}

// SyncRegion clears length bytes of bitmap, fetches the hypervisor log of
// the region at start into it and marks offset+page*PageSize dirty for every
// set bit. The merge only ever adds pages.
func (t *Tracker) SyncRegion(start uint64, bitmap []byte, offset uint64, length int) error {
	if length > len(bitmap) {
		return ErrShortSlice
	}

	bitmap = bitmap[:length]
	clear(bitmap)

	if err := t.hv.FetchDirtyBitmap(start, bitmap); err != nil {
		return fmt.Errorf("fetch dirty bitmap at %#x: %w", start, err)
	}

	i := 0
	for ; i+8 <= length; i += 8 {
		if bitmap[i]|bitmap[i+1]|bitmap[i+2]|bitmap[i+3]|
			bitmap[i+4]|bitmap[i+5]|bitmap[i+6]|bitmap[i+7] == 0 {
			continue
		}

		for k := i; k < i+8; k++ {
			t.markByte(k, bitmap[k], offset)
		}
	}

	for ; i < length; i++ {
		t.markByte(i, bitmap[i], offset)
	}

	return nil
}

func (t *Tracker) markByte(i int, c byte, offset uint64) {
	for c != 0 {
		j := bits.TrailingZeros8(c)
		c &= c - 1
		page := uint64(i*8 + j)
		t.marker.SetDirty(offset + page*PageSize)
	}
}

// SyncAll merges the logs of both RAM regions: below LowMemEnd and from
// HighMemStart to the end of guest memory.
func (t *Tracker) SyncAll() error {
	if t.scratch == nil {
		return ErrDisabled
	}

	low := uint64(LowMemEnd)
	if t.memSize < low {
		low = t.memSize
	}

	if err := t.SyncRegion(0, t.scratch, 0, BitmapSize(low)); err != nil {
		return err
	}

	if t.memSize <= HighMemStart {
		return nil
	}

	return t.SyncRegion(HighMemStart, t.scratch, HighMemStart, BitmapSize(t.memSize-HighMemStart))
}

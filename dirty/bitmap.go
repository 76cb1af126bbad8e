package dirty

import (
	"math/bits"
	"sync"
)

// Bitmap is the process-wide page-dirty structure: one bit per guest page.
// Addresses beyond the covered range are ignored.
type Bitmap struct {
	mu    sync.Mutex
	words []uint64
	pages uint64
}

// NewBitmap returns a clean bitmap covering memSize bytes of guest memory.
func NewBitmap(memSize uint64) *Bitmap {
	pages := (memSize + PageSize - 1) / PageSize

	return &Bitmap{
		words: make([]uint64, (pages+63)/64),
		pages: pages,
	}
}

// SetDirty marks the page containing addr.
func (b *Bitmap) SetDirty(addr uint64) {
	page := addr / PageSize
	if page >= b.pages {
		return
	}

	b.mu.Lock()
	b.words[page/64] |= 1 << (page % 64)
	b.mu.Unlock()
}

func (b *Bitmap) IsDirty(addr uint64) bool {
	page := addr / PageSize
	if page >= b.pages {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.words[page/64]&(1<<(page%64)) != 0
}

// Count returns the number of dirty pages.
func (b *Bitmap) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}

	return n
}

// Len returns the number of pages covered.
func (b *Bitmap) Len() uint64 { return b.pages }

// Pages returns the indices of all dirty pages in ascending order.
func (b *Bitmap) Pages() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var pages []uint64

	for i, w := range b.words {
		for w != 0 {
			j := bits.TrailingZeros64(w)
			w &= w - 1
			pages = append(pages, uint64(i)*64+uint64(j))
		}
	}

	return pages
}

// Reset clears the pages overlapping [addr, addr+length).
func (b *Bitmap) Reset(addr, length uint64) {
	if length == 0 {
		return
	}

	first := addr / PageSize
	last := (addr + length - 1) / PageSize

	if last >= b.pages {
		last = b.pages - 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for p := first; p <= last && p < b.pages; p++ {
		b.words[p/64] &^= 1 << (p % 64)
	}
}

// Words returns a copy of the bitmap in the 64-bit word layout used by
// KVM_GET_DIRTY_LOG.
func (b *Bitmap) Words() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := make([]uint64, len(b.words))
	copy(w, b.words)

	return w
}

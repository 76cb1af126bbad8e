// Package ring implements the fixed-capacity circular byte buffer that sits
// between the migration byte stream and the socket.
//
// One slot is always kept free so that head == tail means empty, so a buffer
// of capacity C holds at most C-1 bytes.
package ring

// DefaultCapacity is the capacity used by a migration session.
const DefaultCapacity = 256 * 1024

// Buffer is a fixed-capacity byte ring with running produced and consumed
// counters.
type Buffer struct {
	buf        []byte
	head, tail int

	// HeadCounter and TailCounter count every byte ever produced and
	// consumed. They are never reset by Reset.
	HeadCounter int64
	TailCounter int64
}

// New allocates a buffer of the given capacity. Capacities below 2 are
// rounded up to 2 so that at least one byte can be stored.
func New(capacity int) *Buffer {
	if capacity < 2 {
		capacity = 2
	}

	return &Buffer{buf: make([]byte, capacity)}
}

func (b *Buffer) Cap() int { return len(b.buf) }

func (b *Buffer) Head() int { return b.head }

func (b *Buffer) Tail() int { return b.tail }

func (b *Buffer) IsEmpty() bool { return b.head == b.tail }

// BytesFilled returns (head - tail) mod C.
func (b *Buffer) BytesFilled() int {
	return mod(b.head-b.tail, len(b.buf))
}

// BytesEmpty returns (tail - head - 1) mod C.
func (b *Buffer) BytesEmpty() int {
	return mod(b.tail-b.head-1, len(b.buf))
}

// BytesToEndFromHead is the number of bytes that can be written at the head
// before the cursor wraps.
func (b *Buffer) BytesToEndFromHead() int { return len(b.buf) - b.head }

// BytesToEndFromTail is the number of bytes that can be read at the tail
// before the cursor wraps.
func (b *Buffer) BytesToEndFromTail() int { return len(b.buf) - b.tail }

// AdvanceHead marks n bytes as produced.
func (b *Buffer) AdvanceHead(n int) {
	b.head = (b.head + n) % len(b.buf)
	b.HeadCounter += int64(n)
}

// AdvanceTail marks n bytes as consumed.
func (b *Buffer) AdvanceTail(n int) {
	b.tail = (b.tail + n) % len(b.buf)
	b.TailCounter += int64(n)
}

// HeadSpace returns the contiguous free region starting at head. Writing into
// it and calling AdvanceHead never wraps within one call.
func (b *Buffer) HeadSpace() []byte {
	return b.buf[b.head : b.head+min(b.BytesEmpty(), b.BytesToEndFromHead())]
}

// TailData returns the contiguous filled region starting at tail.
func (b *Buffer) TailData() []byte {
	return b.buf[b.tail : b.tail+min(b.BytesFilled(), b.BytesToEndFromTail())]
}

// Reset empties the buffer. The lifetime counters are kept.
func (b *Buffer) Reset() {
	b.head, b.tail = 0, 0
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}

	return a
}

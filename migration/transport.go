package migration

// transport.go frames records on top of the raw session byte stream. The
// session itself carries no framing, so everything that needs message
// boundaries goes through a Sender and a Receiver.
//
// Wire format for each record:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MsgType identifies a migration record.
type MsgType uint32

const (
	MsgMemoryFull  MsgType = 1 // raw guest memory (full copy)
	MsgMemoryDirty MsgType = 2 // dirty pages preceded by their bitmap
	MsgDone        MsgType = 3 // source signals end-of-migration
	MsgMemoryRAM   MsgType = 4 // RAM pages preceded by the RAM page bitmap
)

func (t MsgType) String() string {
	switch t {
	case MsgMemoryFull:
		return "MemoryFull"
	case MsgMemoryDirty:
		return "MemoryDirty"
	case MsgDone:
		return "Done"
	case MsgMemoryRAM:
		return "MemoryRAM"
	}

	return fmt.Sprintf("MsgType(%d)", uint32(t))
}

const headerSize = 12

// MaxPayload bounds the size of a single record accepted by a Receiver
// created without a limit of its own.
const MaxPayload = 64 << 30

var (
	errDirtyPayloadTooShort  = errors.New("dirty payload too short")
	errDirtyPayloadTruncated = errors.New("dirty payload truncated")
	errPayloadTooLarge       = errors.New("payload too large")
)

type flusher interface {
	Flush() error
}

// Sender writes framed records. If w has a Flush method it is called after
// every record so that a record never lingers below the flush threshold.
type Sender struct {
	w io.Writer
}

func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	if f, ok := s.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush %s: %w", t, err)
		}
	}

	return nil
}

// SendMemoryFull sends the raw memory bytes (full copy).
func (s *Sender) SendMemoryFull(mem []byte) error {
	return s.send(MsgMemoryFull, mem)
}

// SendMemoryDirty sends a dirty-page record: the bitmap (little-endian
// uint64 words, one bit per page) followed by the packed page data.
func (s *Sender) SendMemoryDirty(bitmapBytes []byte, pageData []byte) error {
	return s.sendPages(MsgMemoryDirty, bitmapBytes, pageData)
}

// SendMemoryRAM sends the first full copy of guest memory as the bitmap of
// pages backed by RAM followed by those pages, leaving out the VGA window.
func (s *Sender) SendMemoryRAM(bitmapBytes []byte, pageData []byte) error {
	return s.sendPages(MsgMemoryRAM, bitmapBytes, pageData)
}

func (s *Sender) sendPages(t MsgType, bitmapBytes []byte, pageData []byte) error {
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint64(hdr, uint64(len(bitmapBytes)))
	payload := make([]byte, 0, 8+len(bitmapBytes)+len(pageData))
	payload = append(payload, hdr...)
	payload = append(payload, bitmapBytes...)
	payload = append(payload, pageData...)

	return s.send(t, payload)
}

// SendDone signals the end of the migration stream.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// Receiver reads framed records.
type Receiver struct {
	r     io.Reader
	limit uint64
}

// NewReceiver returns a Receiver that rejects records whose payload is
// larger than limit before allocating it. A zero limit means MaxPayload.
func NewReceiver(r io.Reader, limit uint64) *Receiver {
	if limit == 0 || limit > MaxPayload {
		limit = MaxPayload
	}

	return &Receiver{r: r, limit: limit}
}

// Next reads the next record and returns its type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	if length > r.limit {
		return 0, nil, fmt.Errorf("%w: type=%s len=%d", errPayloadTooLarge, t, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%s len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeDirtyPayload splits a MsgMemoryDirty or MsgMemoryRAM payload into the bitmap bytes
// and the packed page data bytes.
func DecodeDirtyPayload(payload []byte) (bitmapBytes []byte, pageData []byte, err error) {
	if len(payload) < 8 {
		return nil, nil, fmt.Errorf("%w: %d bytes", errDirtyPayloadTooShort, len(payload))
	}

	bitmapLen := binary.BigEndian.Uint64(payload[0:8])
	if uint64(len(payload))-8 < bitmapLen {
		return nil, nil, errDirtyPayloadTruncated
	}

	return payload[8 : 8+bitmapLen], payload[8+bitmapLen:], nil
}

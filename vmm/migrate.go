package vmm

// migrate.go – pre-copy memory migration over a migration session.
//
// Source side (MigrateTo):
//  1. Enable dirty-page tracking.
//  2. Send every RAM page while the guest keeps running. The VGA window
//     between the two slots is not RAM and is never sent.
//  3. Up to maxPreCopyRounds rounds of dirty pages, stopping early once fewer
//     than preCopyThreshold of all pages are dirty.
//  4. One final dirty round, then MsgDone.
//
// Destination side (Incoming):
//  1. Read records until MsgDone, applying memory as it arrives.

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/bobuhiro11/kvmigrate/dirty"
	"github.com/bobuhiro11/kvmigrate/memory"
	"github.com/bobuhiro11/kvmigrate/migration"
	log "github.com/sirupsen/logrus"
)

const (
	// maxPreCopyRounds is the maximum number of dirty-page iterations
	// before the final transfer.
	maxPreCopyRounds = 3

	// preCopyThreshold is the fraction of total pages below which we
	// stop pre-copying.
	preCopyThreshold = 0.01
)

var (
	errUnexpectedMessageType = errors.New("unexpected message type")
	errBitmapLengthNotMult8  = errors.New("bitmap length not a multiple of 8")
	errPageDataTruncated     = errors.New("page data truncated")
	errStreamEnded           = errors.New("stream ended before MsgDone")
)

// Stats summarizes one migration.
type Stats struct {
	// Rounds counts dirty-page records, the final one included.
	Rounds     int
	FullBytes  int
	DirtyPages int
}

// MigrateTo sends guest memory over the connected writer session.
func (v *VMM) MigrateTo(ctx context.Context) (*Stats, error) {
	if st := v.Session.Status(); st.Role != migration.RoleWriter {
		return nil, &migration.Error{Op: "migrate", Kind: migration.KindRole, Err: migration.ErrWrongRole}
	}

	sender := migration.NewSender(migration.NewWriter(v.Session))
	stats := &Stats{}

	if err := v.Tracker.SetTracking(true); err != nil {
		return nil, fmt.Errorf("SetTracking: %w", err)
	}

	defer func() {
		if err := v.Tracker.SetTracking(false); err != nil {
			log.WithError(err).Warn("migration: disable dirty tracking")
		}
	}()

	v.Dirty.Reset(0, v.Mem.Size())

	ramBitmap := make([]byte, ramBitmapSize(v.Mem.Size()))
	if err := v.Mem.PhysRAMPageBitmap(ramBitmap); err != nil {
		return stats, fmt.Errorf("PhysRAMPageBitmap: %w", err)
	}

	pageData, totalPages := packPages(v.Mem, ramBitmap)

	log.Infof("migration: sending RAM (%d MiB)", len(pageData)>>20)

	if err := sender.SendMemoryRAM(ramBitmap, pageData); err != nil {
		return stats, fmt.Errorf("SendMemoryRAM: %w", err)
	}

	stats.FullBytes = len(pageData)

	for round := 0; round < maxPreCopyRounds; round++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		n, err := v.syncDirty(round)
		if err != nil {
			return stats, err
		}

		log.Infof("migration: pre-copy round %d: %d dirty pages", round+1, n)

		if n == 0 || float64(n)/float64(totalPages) < preCopyThreshold {
			break
		}

		if err := v.sendDirty(sender, stats); err != nil {
			return stats, fmt.Errorf("SendMemoryDirty round %d: %w", round+1, err)
		}
	}

	if _, err := v.syncDirty(maxPreCopyRounds); err != nil {
		return stats, err
	}

	if v.Dirty.Count() > 0 {
		if err := v.sendDirty(sender, stats); err != nil {
			return stats, fmt.Errorf("SendMemoryDirty final: %w", err)
		}
	}

	if err := sender.SendDone(); err != nil {
		return stats, err
	}

	log.Infof("migration: complete, %d dirty pages in %d rounds", stats.DirtyPages, stats.Rounds)

	return stats, nil
}

func (v *VMM) syncDirty(round int) (int, error) {
	if v.BetweenRounds != nil {
		v.BetweenRounds(round)
	}

	if err := v.Tracker.SyncAll(); err != nil {
		return 0, fmt.Errorf("SyncAll: %w", err)
	}

	return v.Dirty.Count(), nil
}

func (v *VMM) sendDirty(sender *migration.Sender, stats *Stats) error {
	bitmapBytes, pageData, n := collectDirtyPages(v.Mem, v.Dirty)

	if err := sender.SendMemoryDirty(bitmapBytes, pageData); err != nil {
		return err
	}

	v.Dirty.Reset(0, v.Mem.Size())

	stats.Rounds++
	stats.DirtyPages += n

	return nil
}

// Incoming applies the records read from the connected reader session until
// the source sends MsgDone.
func (v *VMM) Incoming(ctx context.Context) (*Stats, error) {
	// No record is larger than a RAM record covering every page.
	limit := v.Mem.Size() + uint64(ramBitmapSize(v.Mem.Size())) + 8
	recv := migration.NewReceiver(migration.NewReader(ctx, v.Session), limit)
	stats := &Stats{}

	for {
		msgType, payload, err := recv.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return stats, fmt.Errorf("%w: %w", errStreamEnded, err)
			}

			return stats, fmt.Errorf("receive: %w", err)
		}

		switch msgType {
		case migration.MsgMemoryFull:
			log.Infof("migration: receiving full memory (%d MiB)", len(payload)>>20)

			if err := v.Mem.LoadImage(payload); err != nil {
				return stats, fmt.Errorf("LoadImage: %w", err)
			}

			stats.FullBytes = len(payload)

		case migration.MsgMemoryRAM:
			bitmapBytes, pageData, err := migration.DecodeDirtyPayload(payload)
			if err != nil {
				return stats, err
			}

			log.Infof("migration: receiving RAM (%d MiB)", len(pageData)>>20)

			if _, err := applyDirtyPages(v.Mem, bitmapBytes, pageData); err != nil {
				return stats, fmt.Errorf("apply RAM pages: %w", err)
			}

			stats.FullBytes = len(pageData)

		case migration.MsgMemoryDirty:
			bitmapBytes, pageData, err := migration.DecodeDirtyPayload(payload)
			if err != nil {
				return stats, err
			}

			n, err := applyDirtyPages(v.Mem, bitmapBytes, pageData)
			if err != nil {
				return stats, fmt.Errorf("applyDirtyPages: %w", err)
			}

			stats.Rounds++
			stats.DirtyPages += n

		case migration.MsgDone:
			log.Infof("migration: memory restored, %d dirty pages in %d rounds", stats.DirtyPages, stats.Rounds)

			return stats, nil

		default:
			return stats, fmt.Errorf("%w: %v", errUnexpectedMessageType, msgType)
		}
	}
}

// collectDirtyPages encodes bm as little-endian uint64 words and packs the
// dirty pages of mem in ascending order.
func collectDirtyPages(mem *memory.Memory, bm *dirty.Bitmap) (bitmapBytes []byte, pageData []byte, n int) {
	words := bm.Words()

	bitmapBytes = make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(bitmapBytes[i*8:], w)
	}

	pageData, n = packPages(mem, bitmapBytes)

	return bitmapBytes, pageData, n
}

// ramBitmapSize is the page bitmap size of size bytes of memory rounded up
// to whole uint64 words.
func ramBitmapSize(size uint64) int {
	return (memory.PageBitmapSize(size) + 7) / 8 * 8
}

// packPages packs, in ascending order, every page of mem whose bit is set
// in bitmapBytes. Bit i of byte j stands for page 8*j+i and no bit may lie
// past the end of mem.
func packPages(mem *memory.Memory, bitmapBytes []byte) ([]byte, int) {
	n := 0
	for _, c := range bitmapBytes {
		n += bits.OnesCount8(c)
	}

	img := mem.Image()
	pageData := make([]byte, 0, n*dirty.PageSize)

	for j, c := range bitmapBytes {
		for ; c != 0; c &= c - 1 {
			off := (j*8 + bits.TrailingZeros8(c)) * dirty.PageSize
			pageData = append(pageData, img[off:off+dirty.PageSize]...)
		}
	}

	return pageData, n
}

// applyDirtyPages restores dirty pages from bitmapBytes + pageData onto mem.
func applyDirtyPages(mem *memory.Memory, bitmapBytes []byte, pageData []byte) (int, error) {
	if len(bitmapBytes)%8 != 0 {
		return 0, fmt.Errorf("%w: %d", errBitmapLengthNotMult8, len(bitmapBytes))
	}

	img := mem.Image()
	pageIdx := 0
	offset := 0

	for wi := 0; wi < len(bitmapBytes); wi += 8 {
		word := binary.LittleEndian.Uint64(bitmapBytes[wi:])

		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) == 0 {
				continue
			}

			if offset+dirty.PageSize > len(pageData) {
				return pageIdx, fmt.Errorf("%w: at page %d", errPageDataTruncated, pageIdx)
			}

			pageBase := (wi/8*64 + bit) * dirty.PageSize
			if pageBase+dirty.PageSize <= len(img) {
				copy(img[pageBase:], pageData[offset:offset+dirty.PageSize])
			}

			offset += dirty.PageSize
			pageIdx++
		}
	}

	return pageIdx, nil
}

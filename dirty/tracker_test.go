package dirty_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/bobuhiro11/kvmigrate/dirty"
)

var errFake = errors.New("fake hypervisor failure")

// fakeHypervisor logs writes per region and hands them out get-and-clear.
type fakeHypervisor struct {
	enabled    bool
	logs       map[uint64]map[uint64]bool
	enableErr  error
	fetchErr   error
	fetchCalls []uint64
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{logs: map[uint64]map[uint64]bool{}}
}

func (f *fakeHypervisor) write(addr uint64) {
	if !f.enabled {
		return
	}

	start := uint64(0)
	if addr >= dirty.HighMemStart {
		start = dirty.HighMemStart
	}

	if f.logs[start] == nil {
		f.logs[start] = map[uint64]bool{}
	}

	f.logs[start][(addr-start)/dirty.PageSize] = true
}

func (f *fakeHypervisor) EnableDirtyLogging() error {
	if f.enableErr != nil {
		return f.enableErr
	}

	f.enabled = true

	return nil
}

func (f *fakeHypervisor) DisableDirtyLogging() error {
	f.enabled = false
	f.logs = map[uint64]map[uint64]bool{}

	return nil
}

func (f *fakeHypervisor) FetchDirtyBitmap(start uint64, bitmap []byte) error {
	f.fetchCalls = append(f.fetchCalls, start)

	if f.fetchErr != nil {
		return f.fetchErr
	}

	for page := range f.logs[start] {
		if page/8 < uint64(len(bitmap)) {
			bitmap[page/8] |= 1 << (page % 8)
		}
	}

	delete(f.logs, start)

	return nil
}

const memSize = 4 << 20

func newTracker(t *testing.T) (*dirty.Tracker, *fakeHypervisor, *dirty.Bitmap) {
	t.Helper()

	hv := newFakeHypervisor()
	bm := dirty.NewBitmap(memSize)
	tr := dirty.New(hv, memSize, bm)

	if err := tr.SetTracking(true); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { tr.SetTracking(false) })

	return tr, hv, bm
}

func TestBitmapSize(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		region uint64
		want   int
	}{
		{name: "Empty", region: 0, want: 0},
		{name: "OnePage", region: dirty.PageSize, want: 1},
		{name: "EightPages", region: 8 * dirty.PageSize, want: 1},
		{name: "NinePages", region: 9 * dirty.PageSize, want: 2},
		{name: "LowMem", region: dirty.LowMemEnd, want: 20},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if got := dirty.BitmapSize(test.region); got != test.want {
				t.Errorf("BitmapSize(%#x) = %d, want %d", test.region, got, test.want)
			}
		})
	}
}

func TestSyncAllMarksWrittenPages(t *testing.T) {
	t.Parallel()

	tr, hv, bm := newTracker(t)

	hv.write(5 * dirty.PageSize)
	hv.write(900*dirty.PageSize + 17)

	if err := tr.SyncAll(); err != nil {
		t.Fatal(err)
	}

	if got := bm.Pages(); !reflect.DeepEqual(got, []uint64{5, 900}) {
		t.Fatalf("dirty pages: got %v, want [5 900]", got)
	}

	for page := uint64(0); page < bm.Len(); page++ {
		want := page == 5 || page == 900
		if bm.IsDirty(page*dirty.PageSize) != want {
			t.Fatalf("page %d: dirty=%v, want %v", page, !want, want)
		}
	}

	if !reflect.DeepEqual(hv.fetchCalls, []uint64{0, dirty.HighMemStart}) {
		t.Fatalf("fetched regions %#x", hv.fetchCalls)
	}
}

func TestSyncAllNeverClears(t *testing.T) {
	t.Parallel()

	tr, hv, bm := newTracker(t)

	hv.write(3 * dirty.PageSize)
	hv.write(dirty.HighMemStart)

	if err := tr.SyncAll(); err != nil {
		t.Fatal(err)
	}

	first := bm.Pages()

	if err := tr.SyncAll(); err != nil {
		t.Fatal(err)
	}

	if second := bm.Pages(); !reflect.DeepEqual(first, second) {
		t.Fatalf("second sync changed bitmap: %v -> %v", first, second)
	}

	hv.write(40 * dirty.PageSize)

	if err := tr.SyncAll(); err != nil {
		t.Fatal(err)
	}

	want := []uint64{3, 40, dirty.HighMemStart / dirty.PageSize}
	if got := bm.Pages(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSyncRegionScansEveryBit(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor()
	bm := dirty.NewBitmap(memSize)
	tr := dirty.New(hv, memSize, bm)
	hv.enabled = true

	// A region whose bitmap length is not a multiple of eight bytes, with
	// bits in the word-skipping part and the tail.
	pages := []uint64{0, 7, 8, 63, 64, 71, 72, 79}
	for _, p := range pages {
		hv.write(p * dirty.PageSize)
	}

	scratch := make([]byte, 10)
	for i := range scratch {
		scratch[i] = 0xFF
	}

	if err := tr.SyncRegion(0, scratch, 0, len(scratch)); err != nil {
		t.Fatal(err)
	}

	if got := bm.Pages(); !reflect.DeepEqual(got, pages) {
		t.Fatalf("got %v, want %v", got, pages)
	}
}

func TestSyncRegionOffset(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor()
	bm := dirty.NewBitmap(memSize)
	tr := dirty.New(hv, memSize, bm)
	hv.enabled = true

	hv.write(dirty.HighMemStart + 2*dirty.PageSize)

	if err := tr.SyncRegion(dirty.HighMemStart, make([]byte, 4), dirty.HighMemStart, 4); err != nil {
		t.Fatal(err)
	}

	if !bm.IsDirty(dirty.HighMemStart + 2*dirty.PageSize) {
		t.Fatal("page not marked at region offset")
	}

	if err := tr.SyncRegion(0, make([]byte, 2), 0, 4); !errors.Is(err, dirty.ErrShortSlice) {
		t.Fatalf("got %v, want ErrShortSlice", err)
	}
}

func TestSetTracking(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor()
	tr := dirty.New(hv, memSize, dirty.NewBitmap(memSize))

	if tr.Enabled() {
		t.Fatal("tracker enabled before SetTracking")
	}

	if err := tr.SyncAll(); !errors.Is(err, dirty.ErrDisabled) {
		t.Fatalf("got %v, want ErrDisabled", err)
	}

	// Disabling an idle tracker is a no-op.
	if err := tr.SetTracking(false); err != nil {
		t.Fatal(err)
	}

	if err := tr.SetTracking(true); err != nil {
		t.Fatal(err)
	}

	if err := tr.SetTracking(true); err != nil {
		t.Fatal(err)
	}

	if !tr.Enabled() || !hv.enabled {
		t.Fatal("tracking not enabled")
	}

	if err := tr.SetTracking(false); err != nil {
		t.Fatal(err)
	}

	if tr.Enabled() || hv.enabled {
		t.Fatal("tracking not disabled")
	}
}

func TestSetTrackingErrors(t *testing.T) {
	t.Parallel()

	hv := newFakeHypervisor()
	hv.enableErr = errFake
	tr := dirty.New(hv, memSize, dirty.NewBitmap(memSize))

	if err := tr.SetTracking(true); !errors.Is(err, errFake) {
		t.Fatalf("got %v, want %v", err, errFake)
	}

	if tr.Enabled() {
		t.Fatal("tracking left enabled after failure")
	}

	hv.enableErr = nil
	hv.fetchErr = errFake

	if err := tr.SetTracking(true); err != nil {
		t.Fatal(err)
	}

	defer tr.SetTracking(false)

	if err := tr.SyncAll(); !errors.Is(err, errFake) {
		t.Fatalf("got %v, want %v", err, errFake)
	}
}

func TestSmallMemory(t *testing.T) {
	t.Parallel()

	const size = 64 * dirty.PageSize

	hv := newFakeHypervisor()
	bm := dirty.NewBitmap(size)
	tr := dirty.New(hv, size, bm)

	if err := tr.SetTracking(true); err != nil {
		t.Fatal(err)
	}

	defer tr.SetTracking(false)

	hv.write(63 * dirty.PageSize)

	if err := tr.SyncAll(); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(bm.Pages(), []uint64{63}) {
		t.Fatalf("got %v", bm.Pages())
	}

	if !reflect.DeepEqual(hv.fetchCalls, []uint64{0}) {
		t.Fatalf("high region fetched for small memory: %#x", hv.fetchCalls)
	}
}

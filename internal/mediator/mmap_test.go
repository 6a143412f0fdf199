package mediator

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/mdx/internal/memmap"
	"github.com/tinyrange/mdx/internal/topology"
)

func mapSpec() topology.DeviceSpec {
	return topology.DeviceSpec{
		Name:        "map0",
		RequesterID: 0x20,
		MSICount:    1,
		Resources: []topology.ResourceSpec{
			{Base: 0x10000, Size: 3 * testPageSize},
			{Base: 0x20000, Size: testPageSize, ReadOnly: true},
			{Base: 0x30000, Size: 100},
		},
	}
}

func TestMapRegionValidation(t *testing.T) {
	f := newFixture(t, mapSpec())

	rw := memmap.Access{Read: true, Write: true}
	ro := memmap.Access{Read: true}

	cases := []struct {
		name string
		req  MapRequest
	}{
		{"region index out of range", MapRequest{Offset: 3 << OffsetShift, Length: testPageSize, Access: ro}},
		{"unmappable region", MapRequest{Offset: 2 << OffsetShift, Length: testPageSize, Access: ro}},
		{"write to read-only region", MapRequest{Offset: 1 << OffsetShift, Length: testPageSize, Access: rw}},
		{"unaligned base", MapRequest{Offset: 4, Length: testPageSize, Access: ro}},
		{"unaligned length", MapRequest{Offset: 0, Length: 100, Access: ro}},
		{"zero length", MapRequest{Offset: 0, Length: 0, Access: ro}},
		{"window past region end", MapRequest{Offset: 2 * testPageSize, Length: 2 * testPageSize, Access: ro}},
		{"length overflow", MapRequest{Offset: testPageSize, Length: ^uint64(0) - testPageSize + 1, Access: ro}},
	}
	for _, tc := range cases {
		if _, err := f.dev.MapRegion(tc.req); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: got %v, want ErrInvalidArgument", tc.name, err)
		}
	}
}

func TestMapRegionWriteThrough(t *testing.T) {
	f := newFixture(t, mapSpec())

	// Map the middle page of region 0 read-write.
	m, err := f.dev.MapRegion(MapRequest{
		Offset: testPageSize,
		Length: testPageSize,
		Access: memmap.Access{Read: true, Write: true},
	})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	defer m.Unmap()

	if got := len(m.Bytes()); got != testPageSize {
		t.Fatalf("mapping length %d, want %d", got, testPageSize)
	}
	copy(m.Bytes(), []byte("doorbell"))

	// The same physical bytes are visible through a second mapping.
	m2, err := f.dev.MapRegion(MapRequest{
		Offset: testPageSize,
		Length: testPageSize,
		Access: memmap.Access{Read: true},
	})
	if err != nil {
		t.Fatalf("second map: %v", err)
	}
	defer m2.Unmap()

	if !bytes.Equal(m2.Bytes()[:8], []byte("doorbell")) {
		t.Fatalf("write not visible through second mapping: %q", m2.Bytes()[:8])
	}
}

func TestMapRegionReadOnlyWindow(t *testing.T) {
	f := newFixture(t, mapSpec())

	// Region 1 is read-only but page aligned: readable mapping succeeds.
	m, err := f.dev.MapRegion(MapRequest{
		Offset: 1 << OffsetShift,
		Length: testPageSize,
		Access: memmap.Access{Read: true},
	})
	if err != nil {
		t.Fatalf("map read-only region: %v", err)
	}
	m.Unmap()
}

func TestMapRegionAfterClose(t *testing.T) {
	f := newFixture(t, mapSpec())
	f.dev.Close()

	if _, err := f.dev.MapRegion(MapRequest{
		Offset: 0,
		Length: testPageSize,
		Access: memmap.Access{Read: true},
	}); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

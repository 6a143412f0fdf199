package mediator

import "github.com/tinyrange/mdx/internal/bus"

// RegionFlags are the derived, protocol-visible capabilities of a region.
// They are computed once at open time and are distinct from the raw flags
// the bus enumerator declared.
type RegionFlags uint32

const (
	// FlagRead marks the region readable through a mapping.
	FlagRead RegionFlags = 1 << 0
	// FlagWrite marks the region writable through a mapping.
	FlagWrite RegionFlags = 1 << 1
	// FlagMMap marks the region mappable with page granularity.
	FlagMMap RegionFlags = 1 << 2
)

// OffsetShift positions a region index inside a mapping offset token.
// Offset ranges of distinct regions never overlap: each region owns
// 1<<OffsetShift bytes of offset space, far more than any window it
// describes.
const OffsetShift = 40

// Region is one physical address window exposed to the client. Its index in
// the device's region list is the stable token clients address it by.
type Region struct {
	Addr uint64
	Size uint64

	// Raw is the hardware flag set from the enumerator; Flags is what the
	// protocol reports. Kept separate so neither layout leaks into the
	// other.
	Raw   bus.ResourceFlags
	Flags RegionFlags
}

// buildRegions derives the region list from the device's raw resources.
// Only windows addressed with page granularity may be mapped securely, so
// FlagMMap requires both base and size to be page multiples.
func buildRegions(resources []bus.Resource, pageSize uint64) []Region {
	regions := make([]Region, len(resources))
	for i, res := range resources {
		r := Region{
			Addr: res.Start,
			Size: res.Size,
			Raw:  res.Flags,
		}
		if res.Start%pageSize == 0 && res.Size%pageSize == 0 {
			r.Flags |= FlagMMap
		}
		r.Flags |= FlagRead
		if res.Flags&bus.ResourceReadOnly == 0 {
			r.Flags |= FlagWrite
		}
		regions[i] = r
	}
	return regions
}

// indexToOffset encodes a region index as the offset token handed to
// clients.
func indexToOffset(index uint32) uint64 {
	return uint64(index) << OffsetShift
}

// offsetToIndex is the inverse transform used by the region mapper.
func offsetToIndex(offset uint64) uint32 {
	return uint32(offset >> OffsetShift)
}

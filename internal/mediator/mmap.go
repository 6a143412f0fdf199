package mediator

import (
	"fmt"

	"github.com/tinyrange/mdx/internal/memmap"
	"github.com/tinyrange/mdx/internal/trace"
)

// MapRequest describes a client mapping request: a region-token-encoded
// offset, a length, and the requested access. Offset and length are byte
// values and must be page granular.
type MapRequest struct {
	Offset uint64
	Length uint64
	Access memmap.Access
}

// MapRegion decodes the region index from the request offset and, after
// validating bounds and access, establishes a device-memory mapping of the
// exact physical page range. The call retains no state; platform mapping
// failures are propagated verbatim.
func (d *Device) MapRegion(req MapRequest) (memmap.Mapping, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}

	index := offsetToIndex(req.Offset)
	if index >= uint32(len(d.regions)) {
		return nil, fmt.Errorf("%w: region index %d of %d", ErrInvalidArgument, index, len(d.regions))
	}
	region := d.regions[index]

	if region.Flags&FlagMMap == 0 {
		return nil, fmt.Errorf("%w: region %d is not mmap-capable", ErrInvalidArgument, index)
	}
	if req.Access.Read && region.Flags&FlagRead == 0 {
		return nil, fmt.Errorf("%w: region %d is not readable", ErrInvalidArgument, index)
	}
	if req.Access.Write && region.Flags&FlagWrite == 0 {
		return nil, fmt.Errorf("%w: region %d is not writable", ErrInvalidArgument, index)
	}

	base := req.Offset & (1<<OffsetShift - 1)
	if base%d.pageSize != 0 || req.Length%d.pageSize != 0 || req.Length == 0 {
		return nil, fmt.Errorf("%w: mapping %#x+%#x is not page granular", ErrInvalidArgument, base, req.Length)
	}
	if region.Size < d.pageSize || base+req.Length > region.Size || base+req.Length < base {
		return nil, fmt.Errorf("%w: window %#x+%#x exceeds region size %#x", ErrInvalidArgument,
			base, req.Length, region.Size)
	}

	m, err := d.mapper.Map(region.Addr+base, req.Length, req.Access)
	if err != nil {
		return nil, err
	}

	trace.Writef("mediator mmap", "%s region=%d phys=%#x len=%#x read=%t write=%t",
		d.dev.Name(), index, region.Addr+base, req.Length, req.Access.Read, req.Access.Write)
	return m, nil
}

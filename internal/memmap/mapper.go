// Package memmap establishes page-granular mappings of physical device
// memory. The mediator validates mapping requests and then hands the exact
// physical range to a Mapper; everything platform-specific lives behind the
// interface so the mediator can be exercised with a fake.
package memmap

import "errors"

// ErrBadAccess reports an access combination the mapper cannot honor.
var ErrBadAccess = errors.New("memmap: unmappable access combination")

// Access describes the access a client requested for a mapping.
type Access struct {
	Read  bool
	Write bool
}

// Mapping is one established mapping of device memory. Unmap is idempotent.
type Mapping interface {
	// Bytes is the mapped window. The slice is invalid after Unmap.
	Bytes() []byte

	Unmap() error
}

// Mapper maps physical device memory into the client's address space.
// Mappings are device memory: implementations must not cache accesses.
type Mapper interface {
	// PageSize is the platform page granularity every mapping obeys.
	PageSize() uint64

	// Map establishes a mapping of length bytes at physical address phys.
	// Both values are multiples of PageSize; the mediator guarantees this
	// before calling. Errors are propagated to the client verbatim.
	Map(phys uint64, length uint64, access Access) (Mapping, error)
}

package memmap

import (
	"fmt"
	"sync"
)

// BufferMapper serves mappings out of in-process buffers registered per
// physical base address. It backs the simulated bus, where "physical" device
// memory is ordinary process memory.
type BufferMapper struct {
	pageSize uint64

	mu      sync.Mutex
	windows map[uint64][]byte
}

// NewBufferMapper creates a mapper with the given page granularity.
func NewBufferMapper(pageSize uint64) *BufferMapper {
	return &BufferMapper{
		pageSize: pageSize,
		windows:  make(map[uint64][]byte),
	}
}

// AddWindow registers backing memory for the physical range starting at base.
func (m *BufferMapper) AddWindow(base uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[base] = data
}

// PageSize implements Mapper.
func (m *BufferMapper) PageSize() uint64 { return m.pageSize }

// Map implements Mapper.
func (m *BufferMapper) Map(phys uint64, length uint64, access Access) (Mapping, error) {
	if !access.Read && !access.Write {
		return nil, fmt.Errorf("%w: neither read nor write requested", ErrBadAccess)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for base, data := range m.windows {
		end := base + uint64(len(data))
		if phys >= base && phys+length <= end {
			off := phys - base
			return &bufferMapping{data: data[off : off+length]}, nil
		}
	}
	return nil, fmt.Errorf("memmap: no backing window for %#x+%#x", phys, length)
}

type bufferMapping struct {
	mu   sync.Mutex
	data []byte
}

func (b *bufferMapping) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func (b *bufferMapping) Unmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	return nil
}

var _ Mapper = (*BufferMapper)(nil)

//go:build unix

package memmap

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FileMapper maps physical ranges through a file that exposes physical
// memory at its natural offsets (a /dev/mem style handle, or a resource
// file the bus driver exports). Open the file with O_SYNC so the kernel
// gives out uncached device mappings.
type FileMapper struct {
	f        *os.File
	pageSize uint64
}

// NewFileMapper wraps an already-open physical memory handle.
func NewFileMapper(f *os.File) *FileMapper {
	return &FileMapper{
		f:        f,
		pageSize: uint64(os.Getpagesize()),
	}
}

// PageSize implements Mapper.
func (m *FileMapper) PageSize() uint64 { return m.pageSize }

// Map implements Mapper.
func (m *FileMapper) Map(phys uint64, length uint64, access Access) (Mapping, error) {
	prot := 0
	if access.Read {
		prot |= unix.PROT_READ
	}
	if access.Write {
		prot |= unix.PROT_WRITE
	}
	if prot == 0 {
		return nil, fmt.Errorf("%w: neither read nor write requested", ErrBadAccess)
	}

	data, err := unix.Mmap(int(m.f.Fd()), int64(phys), int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memmap: mmap %#x+%#x: %w", phys, length, err)
	}
	return &unixMapping{data: data}, nil
}

type unixMapping struct {
	mu   sync.Mutex
	data []byte
}

func (u *unixMapping) Bytes() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.data
}

func (u *unixMapping) Unmap() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.data == nil {
		return nil
	}
	data := u.data
	u.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("memmap: munmap: %w", err)
	}
	return nil
}

var _ Mapper = (*FileMapper)(nil)

//go:build linux

package msi

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// NewEventfdTrigger creates a fresh eventfd-backed trigger.
func NewEventfdTrigger() (Trigger, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("msi: create eventfd: %w", err)
	}
	return &eventfdTrigger{fd: fd, owned: true}, nil
}

// TriggerFromFD wraps an eventfd the client passed in a Set-Interrupts
// payload. The mediator takes ownership and closes it on release.
func TriggerFromFD(fd int32) (Trigger, error) {
	if fd < 0 {
		return nil, fmt.Errorf("msi: invalid eventfd %d", fd)
	}
	return &eventfdTrigger{fd: int(fd), owned: true}, nil
}

type eventfdTrigger struct {
	mu    sync.Mutex
	fd    int
	owned bool
}

func (t *eventfdTrigger) Signal() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return fmt.Errorf("msi: signal on closed eventfd")
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(t.fd, buf[:]); err != nil {
		return fmt.Errorf("msi: signal eventfd: %w", err)
	}
	return nil
}

func (t *eventfdTrigger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 || !t.owned {
		t.fd = -1
		return nil
	}
	fd := t.fd
	t.fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("msi: close eventfd: %w", err)
	}
	return nil
}

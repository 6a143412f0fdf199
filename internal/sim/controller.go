package sim

import (
	"fmt"
	"sync"

	"github.com/tinyrange/mdx/internal/msi"
)

// Controller implements msi.Controller with a bounded vector pool. Message
// addresses are synthesized from the doorbell base plus the hardware
// interrupt number, which keeps every routed vector distinguishable.
type Controller struct {
	doorbell uint64
	capacity int

	mu     sync.Mutex
	routed map[uint64]uint32 // hwirq -> controller-local device ID
}

// NewController builds a controller with the given doorbell address and
// vector capacity.
func NewController(doorbell uint64, capacity int) *Controller {
	return &Controller{
		doorbell: doorbell,
		capacity: capacity,
		routed:   make(map[uint64]uint32),
	}
}

// AllocVectors implements msi.Controller.
func (c *Controller) AllocVectors(deviceID uint32, hwirqs []uint64) ([]msi.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.routed)+len(hwirqs) > c.capacity {
		return nil, fmt.Errorf("sim: controller out of vectors (%d routed, %d requested, %d capacity)",
			len(c.routed), len(hwirqs), c.capacity)
	}
	for _, hwirq := range hwirqs {
		if owner, taken := c.routed[hwirq]; taken {
			return nil, fmt.Errorf("sim: hwirq %#x already routed to device %#x", hwirq, owner)
		}
	}

	messages := make([]msi.Message, len(hwirqs))
	for i, hwirq := range hwirqs {
		c.routed[hwirq] = deviceID
		messages[i] = msi.Message{
			Address: c.doorbell,
			Data:    uint32(hwirq),
		}
	}
	return messages, nil
}

// FreeVectors implements msi.Controller.
func (c *Controller) FreeVectors(deviceID uint32, hwirqs []uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, hwirq := range hwirqs {
		delete(c.routed, hwirq)
	}
	return nil
}

// Routed reports the number of currently routed vectors.
func (c *Controller) Routed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.routed)
}

// Owner returns the device ID a hardware interrupt number is routed to.
func (c *Controller) Owner(hwirq uint64) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.routed[hwirq]
	return id, ok
}

var _ msi.Controller = (*Controller)(nil)

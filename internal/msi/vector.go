package msi

import (
	"sync"

	"github.com/tinyrange/mdx/internal/bus"
)

// Vector is one allocated message-signaled interrupt vector. The Domain owns
// its message state; the trigger is owned by whoever attached it until the
// vector is released.
type Vector struct {
	dev   bus.Device
	index uint32
	hwirq uint64

	msg   Message
	armed bool

	triggerMu sync.Mutex
	trigger   Trigger
}

// Index is the vector's logical index within its device's slot.
func (v *Vector) Index() uint32 { return v.index }

// HardwareIRQ is the routing key the controller uses for this vector.
func (v *Vector) HardwareIRQ() uint64 { return v.hwirq }

// Message returns the last message the controller assigned.
func (v *Vector) Message() Message { return v.msg }

// Armed reports whether the device accepted the last message write.
func (v *Vector) Armed() bool { return v.armed }

// SetTrigger attaches a signal source, returning the previous one (which the
// caller must close) if any.
func (v *Vector) SetTrigger(t Trigger) Trigger {
	v.triggerMu.Lock()
	defer v.triggerMu.Unlock()
	prev := v.trigger
	v.trigger = t
	return prev
}

// ClearTrigger detaches and returns the current trigger without closing it.
func (v *Vector) ClearTrigger() Trigger {
	return v.SetTrigger(nil)
}

// Fire signals the attached trigger. Vectors without a trigger drop the
// signal, mirroring an interrupt nobody listens for.
func (v *Vector) Fire() error {
	v.triggerMu.Lock()
	t := v.trigger
	v.triggerMu.Unlock()
	if t == nil {
		return nil
	}
	return t.Signal()
}

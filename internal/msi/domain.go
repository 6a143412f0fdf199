// Package msi allocates, arms and reprograms message-signaled interrupts on
// behalf of mediated devices. It sits between the mediator's interrupt
// protocol and two collaborators: the platform interrupt controller (which
// reserves routing entries) and the device's own configuration channel
// (which the message address/data must be written through).
package msi

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/mdx/internal/bus"
	"github.com/tinyrange/mdx/internal/topology"
	"github.com/tinyrange/mdx/internal/trace"
)

// ReqIDShift positions the requester ID above the vector index inside a
// hardware interrupt number. It bounds the per-device vector count: no
// device may allocate 1<<ReqIDShift vectors or more.
const ReqIDShift = 10

// MaxVectors is the per-device vector ceiling implied by ReqIDShift.
const MaxVectors = 1 << ReqIDShift

var (
	// ErrAlreadyAllocated reports a second allocation attempt while
	// descriptors for the device still exist.
	ErrAlreadyAllocated = errors.New("msi: vectors already allocated")

	// ErrNoVectors reports that the platform controller could not reserve
	// the requested vectors.
	ErrNoVectors = errors.New("msi: no vectors available")

	// ErrNoVector reports an operation on a vector index that was never
	// allocated.
	ErrNoVector = errors.New("msi: vector not allocated")
)

// Message is one message-signaled interrupt address/data pair.
type Message struct {
	Address uint64
	Data    uint32
}

// Controller is the platform message-interrupt subsystem. AllocVectors
// reserves one routing entry per hardware interrupt number on behalf of the
// controller-local device ID and returns the message each vector must be
// programmed with, in hwirq order.
type Controller interface {
	AllocVectors(deviceID uint32, hwirqs []uint64) ([]Message, error)
	FreeVectors(deviceID uint32, hwirqs []uint64) error
}

// HardwareIRQ derives the globally unique hardware interrupt number for a
// (requester, vector index) pair. Distinct devices below one controller have
// distinct requester IDs, so the numbers never collide.
func HardwareIRQ(reqID uint16, index uint32) uint64 {
	return uint64(reqID)<<ReqIDShift | uint64(index)
}

// Domain manages vector allocations for every device below one interrupt
// controller node.
type Domain struct {
	node *topology.Node
	ctrl Controller
	log  *slog.Logger

	mu      sync.Mutex
	devices map[uint16]*allocation
}

type allocation struct {
	dev      bus.Device
	deviceID uint32
	vectors  []*Vector
}

// NewDomain builds a Domain for the controller described by node. A nil
// logger falls back to slog.Default().
func NewDomain(node *topology.Node, ctrl Controller, log *slog.Logger) *Domain {
	if log == nil {
		log = slog.Default()
	}
	return &Domain{
		node:    node,
		ctrl:    ctrl,
		log:     log,
		devices: make(map[uint16]*allocation),
	}
}

// Alloc reserves count vectors for dev and arms each one with the message
// the controller assigned. Allocation is all-or-nothing: on any failure no
// vectors remain reserved. A device that already holds vectors must release
// them before allocating again.
func (d *Domain) Alloc(dev bus.Device, count uint32) ([]*Vector, error) {
	if count == 0 || count >= MaxVectors {
		return nil, fmt.Errorf("msi: vector count %d out of range", count)
	}

	reqID := dev.RequesterID()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.devices[reqID]; exists {
		return nil, fmt.Errorf("%w for requester %#04x", ErrAlreadyAllocated, reqID)
	}

	// Resolve the controller-local device ID before touching controller
	// state. Failure here is fatal to allocation only; region access on
	// the device stays usable.
	deviceID, err := d.node.MapRequesterID(reqID)
	if err != nil {
		return nil, fmt.Errorf("msi: resolve controller identity: %w", err)
	}

	hwirqs := make([]uint64, count)
	for i := range hwirqs {
		hwirqs[i] = HardwareIRQ(reqID, uint32(i))
	}

	messages, err := d.ctrl.AllocVectors(deviceID, hwirqs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoVectors, err)
	}
	if len(messages) != int(count) {
		_ = d.ctrl.FreeVectors(deviceID, hwirqs)
		return nil, fmt.Errorf("msi: controller returned %d messages for %d vectors", len(messages), count)
	}

	alloc := &allocation{dev: dev, deviceID: deviceID}
	for i := uint32(0); i < count; i++ {
		v := &Vector{
			dev:   dev,
			index: i,
			hwirq: hwirqs[i],
		}
		alloc.vectors = append(alloc.vectors, v)
		d.writeMessage(v, messages[i])
	}
	d.devices[reqID] = alloc

	trace.Writef("msi domain", "alloc requester=%#04x deviceID=%#x count=%d", reqID, deviceID, count)
	return append([]*Vector(nil), alloc.vectors...), nil
}

// WriteMessage reprograms one vector's message address/data pair. The
// controller calls this whenever it retargets a vector. Unknown vectors fail
// with ErrNoVector; a device-side write failure is logged, not returned,
// leaving the vector configured at the controller but unarmed at the device.
func (d *Domain) WriteMessage(reqID uint16, index uint32, msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	alloc := d.devices[reqID]
	if alloc == nil || index >= uint32(len(alloc.vectors)) {
		return fmt.Errorf("%w: requester %#04x index %d", ErrNoVector, reqID, index)
	}
	d.writeMessage(alloc.vectors[index], msg)
	return nil
}

// writeMessage forwards the (index, data, address) triple to the device's
// configuration channel and records the armed state. Caller holds d.mu.
func (d *Domain) writeMessage(v *Vector, msg Message) {
	v.msg = msg
	err := v.dev.Configure(bus.MSIMessage{
		Index:   v.index,
		Data:    msg.Data,
		Address: msg.Address,
	})
	if err != nil {
		// The controller-side state stays in place: the vector is
		// routed but will not fire until a later write succeeds.
		v.armed = false
		d.log.Error("msi: write message to device failed",
			"device", v.dev.Name(), "index", v.index, "error", err)
		return
	}
	v.armed = true
	trace.Writef("msi domain", "armed %s index=%d hwirq=%#x addr=%#x data=%#x",
		v.dev.Name(), v.index, v.hwirq, msg.Address, msg.Data)
}

// Enable forwards the device-level MSI enable toggle verbatim. Failure is
// the caller's to handle; controller-side allocation is untouched.
func (d *Domain) Enable(dev bus.Device, enable bool) error {
	if err := dev.Configure(bus.MSIEnable{Enable: enable}); err != nil {
		return fmt.Errorf("msi: toggle enable on %s: %w", dev.Name(), err)
	}
	return nil
}

// Vectors returns the live vectors for a requester, or nil if none are
// allocated.
func (d *Domain) Vectors(reqID uint16) []*Vector {
	d.mu.Lock()
	defer d.mu.Unlock()
	alloc := d.devices[reqID]
	if alloc == nil {
		return nil
	}
	return append([]*Vector(nil), alloc.vectors...)
}

// Allocated reports whether the requester currently holds vectors.
func (d *Domain) Allocated(reqID uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.devices[reqID]
	return ok
}

// Release returns every vector the requester holds to the platform and
// closes any attached triggers. Safe to call for requesters that hold
// nothing.
func (d *Domain) Release(reqID uint16) {
	d.mu.Lock()
	alloc := d.devices[reqID]
	delete(d.devices, reqID)
	d.mu.Unlock()

	if alloc == nil {
		return
	}

	hwirqs := make([]uint64, 0, len(alloc.vectors))
	for _, v := range alloc.vectors {
		hwirqs = append(hwirqs, v.hwirq)
		if t := v.ClearTrigger(); t != nil {
			if err := t.Close(); err != nil {
				d.log.Warn("msi: close trigger", "device", alloc.dev.Name(),
					"index", v.index, "error", err)
			}
		}
	}
	if err := d.ctrl.FreeVectors(alloc.deviceID, hwirqs); err != nil {
		d.log.Warn("msi: free vectors", "device", alloc.dev.Name(), "error", err)
	}
	trace.Writef("msi domain", "released requester=%#04x count=%d", reqID, len(hwirqs))
}

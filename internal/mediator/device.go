// Package mediator exposes one enumerated bus device to an unprivileged
// client: a self-describing info protocol over the device's regions and
// interrupts, page-granular mapping of its register windows, and
// message-signaled interrupt configuration. The bus enumerator, the firmware
// topology and the platform interrupt controller stay behind interfaces.
package mediator

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/mdx/internal/bus"
	"github.com/tinyrange/mdx/internal/memmap"
	"github.com/tinyrange/mdx/internal/msi"
	"github.com/tinyrange/mdx/internal/trace"
)

// numIRQSlots is the interrupt slot count for this device class: one
// message-signaled slot backing all hardware vectors.
const numIRQSlots = 1

// TriggerFactory turns a client-supplied signal-source token into a Trigger.
type TriggerFactory func(fd int32) (msi.Trigger, error)

// Options configures an open device handle.
type Options struct {
	// Mapper establishes page mappings for MapRegion. Required.
	Mapper memmap.Mapper

	// IRQs is the interrupt domain of the controller this device sits
	// below. Required for the interrupt protocol.
	IRQs *msi.Domain

	// Triggers builds triggers from client tokens. Defaults to the
	// platform eventfd wrapper.
	Triggers TriggerFactory

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Device is the mediator's handle on one open bus device. It is created by
// Open and owns the region list and interrupt allocations until Close.
type Device struct {
	dev      bus.Device
	mapper   memmap.Mapper
	irqs     *msi.Domain
	triggers TriggerFactory
	log      *slog.Logger

	pageSize uint64
	regions  []Region

	mu     sync.Mutex
	closed bool
}

// Open builds the device handle, deriving the region table from the raw
// resource list. On error the device is not open and no state is retained.
func Open(dev bus.Device, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("mediator: device is nil")
	}
	if opts.Mapper == nil {
		return nil, fmt.Errorf("mediator: no page mapper configured")
	}
	if opts.IRQs == nil {
		return nil, fmt.Errorf("mediator: no interrupt domain configured")
	}
	pageSize := opts.Mapper.PageSize()
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("mediator: mapper page size %d is not a power of two", pageSize)
	}
	if dev.MSICount() >= msi.MaxVectors {
		return nil, fmt.Errorf("mediator: device %s declares %d vectors, limit %d",
			dev.Name(), dev.MSICount(), msi.MaxVectors-1)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	triggers := opts.Triggers
	if triggers == nil {
		triggers = msi.TriggerFromFD
	}

	d := &Device{
		dev:      dev,
		mapper:   opts.Mapper,
		irqs:     opts.IRQs,
		triggers: triggers,
		log:      log,
		pageSize: pageSize,
		regions:  buildRegions(dev.Resources(), pageSize),
	}
	trace.Writef("mediator", "open %s regions=%d msi=%d", dev.Name(), len(d.regions), dev.MSICount())
	return d, nil
}

// Close resets the device, discards the region table and releases every
// interrupt vector, in that order. Interrupt release happens last so nothing
// fires into a half-torn-down handle. A failed reset is logged; teardown is
// best effort and continues. Idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if err := d.dev.Reset(); err != nil {
		d.log.Warn("mediator: reset on close failed", "device", d.dev.Name(), "error", err)
	}

	d.regions = nil
	d.irqs.Release(d.dev.RequesterID())

	trace.Writef("mediator", "close %s", d.dev.Name())
	return nil
}

// Regions returns a copy of the derived region table.
func (d *Device) Regions() []Region {
	return append([]Region(nil), d.regions...)
}

// Bus returns the underlying enumerated device.
func (d *Device) Bus() bus.Device { return d.dev }

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Package mdx mediates access to enumerated bus devices so unprivileged
// clients can drive them directly: it exposes each device's register windows
// and message-signaled interrupts through a self-describing, index-addressed
// protocol while validating every request before it touches hardware state.
package mdx

import (
	"github.com/tinyrange/mdx/internal/bus"
	"github.com/tinyrange/mdx/internal/mediator"
	"github.com/tinyrange/mdx/internal/memmap"
	"github.com/tinyrange/mdx/internal/msi"
	"github.com/tinyrange/mdx/internal/topology"
)

// Device is an open handle on one mediated bus device.
type Device = mediator.Device

// Options configures an open handle.
type Options = mediator.Options

// Region is one exposed physical address window.
type Region = mediator.Region

// RegionFlags are the derived capabilities of a Region.
type RegionFlags = mediator.RegionFlags

// MapRequest describes a client mapping request.
type MapRequest = mediator.MapRequest

// Op is a protocol operation code.
type Op = mediator.Op

// BusDevice is the interface the bus enumerator implements per device.
type BusDevice = bus.Device

// Domain manages interrupt vectors for the devices below one controller.
type Domain = msi.Domain

// Controller is the platform message-interrupt subsystem.
type Controller = msi.Controller

// Node is a firmware topology node carrying the requester-ID translation.
type Node = topology.Node

// Mapper establishes page mappings of physical device memory.
type Mapper = memmap.Mapper

// Open builds a device handle over an enumerated bus device.
func Open(dev BusDevice, opts Options) (*Device, error) {
	return mediator.Open(dev, opts)
}

// NewDomain builds an interrupt domain for one controller node.
var NewDomain = msi.NewDomain

// Exported protocol constants and errors.
const (
	FlagRead  = mediator.FlagRead
	FlagWrite = mediator.FlagWrite
	FlagMMap  = mediator.FlagMMap

	OffsetShift = mediator.OffsetShift
)

var (
	ErrInvalidArgument = mediator.ErrInvalidArgument
	ErrNotSupported    = mediator.ErrNotSupported
	ErrNoVectors       = msi.ErrNoVectors
	ErrNoMapping       = topology.ErrNoMapping
)

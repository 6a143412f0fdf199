// Package sim provides an in-process bus device and interrupt controller.
// It backs cmd/mdx demos and integration tests: register windows live in
// ordinary memory and interrupt state is observable from the outside.
package sim

import (
	"fmt"
	"sync"

	"github.com/tinyrange/mdx/internal/bus"
	"github.com/tinyrange/mdx/internal/memmap"
	"github.com/tinyrange/mdx/internal/topology"
)

// Device implements bus.Device with in-memory register windows.
type Device struct {
	name     string
	busNum   uint8
	devNum   uint8
	reqID    uint16
	msiCount uint32

	resources []bus.Resource
	windows   [][]byte

	mu         sync.Mutex
	resets     int
	msiEnabled bool
	messages   map[uint32]bus.MSIMessage

	// Fault injection for tests.
	resetErr  error
	configErr error
}

// FromSpec builds a device from a board declaration and registers its
// register windows with the mapper.
func FromSpec(spec topology.DeviceSpec, mapper *memmap.BufferMapper) *Device {
	d := &Device{
		name:     spec.Name,
		busNum:   spec.Bus,
		devNum:   spec.Device,
		reqID:    spec.RequesterID,
		msiCount: spec.MSICount,
		messages: make(map[uint32]bus.MSIMessage),
	}
	for _, res := range spec.Resources {
		var flags bus.ResourceFlags
		if res.ReadOnly {
			flags |= bus.ResourceReadOnly
		}
		d.resources = append(d.resources, bus.Resource{
			Start: res.Base,
			Size:  res.Size,
			Flags: flags,
		})
		window := make([]byte, res.Size)
		d.windows = append(d.windows, window)
		if mapper != nil {
			mapper.AddWindow(res.Base, window)
		}
	}
	return d
}

func (d *Device) Name() string              { return d.name }
func (d *Device) BusNumber() uint8          { return d.busNum }
func (d *Device) DeviceNumber() uint8       { return d.devNum }
func (d *Device) RequesterID() uint16       { return d.reqID }
func (d *Device) MSICount() uint32          { return d.msiCount }
func (d *Device) Resources() []bus.Resource { return d.resources }

// Reset clears every register window and drops MSI state.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resetErr != nil {
		return d.resetErr
	}
	d.resets++
	for _, w := range d.windows {
		clear(w)
	}
	d.msiEnabled = false
	d.messages = make(map[uint32]bus.MSIMessage)
	return nil
}

// Configure implements the device configuration channel.
func (d *Device) Configure(cmd bus.ConfigCommand) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.configErr != nil {
		return d.configErr
	}
	switch c := cmd.(type) {
	case bus.MSIEnable:
		d.msiEnabled = c.Enable
	case bus.MSIMessage:
		if c.Index >= d.msiCount {
			return fmt.Errorf("sim: msi index %d of %d", c.Index, d.msiCount)
		}
		d.messages[c.Index] = c
	default:
		return fmt.Errorf("sim: unknown config command %T", cmd)
	}
	return nil
}

// Resets reports how many resets the device has seen.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// MSIEnabled reports the device-level enable toggle.
func (d *Device) MSIEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.msiEnabled
}

// MSIMessageAt returns the last message programmed for a vector index.
func (d *Device) MSIMessageAt(index uint32) (bus.MSIMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg, ok := d.messages[index]
	return msg, ok
}

// FailReset injects a reset error (nil clears it).
func (d *Device) FailReset(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetErr = err
}

// FailConfigure injects a configuration channel error (nil clears it).
func (d *Device) FailConfigure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configErr = err
}

var _ bus.Device = (*Device)(nil)

package mediator

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/mdx/internal/trace"
)

// Op is a protocol operation code.
type Op uint16

const (
	OpDeviceInfo Op = iota + 1
	OpRegionInfo
	OpIRQInfo
	OpSetIRQs
	OpReset
)

// Device info flags.
const (
	// DeviceFlagReset advertises that the device supports Reset.
	DeviceFlagReset uint32 = 1 << 0
	// DeviceFlagMDX identifies the device class.
	DeviceFlagMDX uint32 = 1 << 1
)

// IRQ info flags.
const (
	// IRQInfoEventfd marks the slot's notification mechanism: completion
	// signals are delivered through client-supplied eventfds.
	IRQInfoEventfd uint32 = 1 << 0
)

// Set-IRQs flags: exactly one data type and one action per request.
const (
	IRQSetDataNone    uint32 = 1 << 0
	IRQSetDataBool    uint32 = 1 << 1
	IRQSetDataEventfd uint32 = 1 << 2

	IRQSetActionMask    uint32 = 1 << 3
	IRQSetActionUnmask  uint32 = 1 << 4
	IRQSetActionTrigger uint32 = 1 << 5

	irqSetDataTypeMask = IRQSetDataNone | IRQSetDataBool | IRQSetDataEventfd
	irqSetActionMask   = IRQSetActionMask | IRQSetActionUnmask | IRQSetActionTrigger
)

// Fixed prefix sizes, shared with clients as the wire ABI. Every request
// starts with a u32 argsz describing how much of the struct the client
// supplied; the handler never reads past the prefix it validated.
const (
	DeviceInfoSize = 16 // argsz, flags, numRegions, numIRQs
	RegionInfoSize = 32 // argsz, flags, index, reserved, size, offset
	IRQInfoSize    = 16 // argsz, flags, index, count
	IRQSetSize     = 20 // argsz, flags, index, start, count
)

var le = binary.LittleEndian

// request is the closed set of decoded protocol requests. Decoding rejects
// unknown opcodes; dispatch is an exhaustive switch over these variants.
type request interface {
	isRequest()
}

type deviceInfoRequest struct {
	argsz uint32
}

type regionInfoRequest struct {
	argsz uint32
	index uint32
}

type irqInfoRequest struct {
	argsz uint32
	index uint32
}

type irqSetRequest struct {
	argsz uint32
	flags uint32
	index uint32
	start uint32
	count uint32

	// trailing is the unvalidated variable payload following the header.
	trailing []byte
}

type resetRequest struct{}

func (deviceInfoRequest) isRequest() {}
func (regionInfoRequest) isRequest() {}
func (irqInfoRequest) isRequest()    {}
func (irqSetRequest) isRequest()     {}
func (resetRequest) isRequest()      {}

// decodeRequest validates the minimum-size prefix and produces a typed
// request. Nothing beyond the fixed prefix is interpreted here.
func decodeRequest(op Op, buf []byte) (request, error) {
	ensure := func(minsz int) error {
		if len(buf) < minsz {
			return fmt.Errorf("%w: buffer %d below minimum %d", ErrInvalidArgument, len(buf), minsz)
		}
		if argsz := le.Uint32(buf); argsz < uint32(minsz) {
			return fmt.Errorf("%w: argsz %d below minimum %d", ErrInvalidArgument, argsz, minsz)
		}
		return nil
	}

	switch op {
	case OpDeviceInfo:
		if err := ensure(DeviceInfoSize); err != nil {
			return nil, err
		}
		return deviceInfoRequest{argsz: le.Uint32(buf)}, nil
	case OpRegionInfo:
		if err := ensure(RegionInfoSize); err != nil {
			return nil, err
		}
		return regionInfoRequest{argsz: le.Uint32(buf), index: le.Uint32(buf[8:])}, nil
	case OpIRQInfo:
		if err := ensure(IRQInfoSize); err != nil {
			return nil, err
		}
		return irqInfoRequest{argsz: le.Uint32(buf), index: le.Uint32(buf[8:])}, nil
	case OpSetIRQs:
		if err := ensure(IRQSetSize); err != nil {
			return nil, err
		}
		return irqSetRequest{
			argsz:    le.Uint32(buf),
			flags:    le.Uint32(buf[4:]),
			index:    le.Uint32(buf[8:]),
			start:    le.Uint32(buf[12:]),
			count:    le.Uint32(buf[16:]),
			trailing: buf[IRQSetSize:],
		}, nil
	case OpReset:
		return resetRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: op %d", ErrNotSupported, op)
	}
}

// Handle services one protocol call. Requests may arrive in any order after
// Open; no call assumes a prior one happened. The returned buffer is the
// response's fixed prefix, or nil for calls without a response body.
func (d *Device) Handle(op Op, buf []byte) ([]byte, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}

	req, err := decodeRequest(op, buf)
	if err != nil {
		return nil, err
	}

	trace.Writef("mediator ioctl", "%s op=%d len=%d", d.dev.Name(), op, len(buf))

	switch r := req.(type) {
	case deviceInfoRequest:
		return d.getDeviceInfo(r), nil
	case regionInfoRequest:
		return d.getRegionInfo(r)
	case irqInfoRequest:
		return d.getIRQInfo(r)
	case irqSetRequest:
		return nil, d.setIRQs(r)
	case resetRequest:
		return nil, d.dev.Reset()
	}
	return nil, ErrNotSupported
}

func (d *Device) getDeviceInfo(r deviceInfoRequest) []byte {
	out := make([]byte, DeviceInfoSize)
	le.PutUint32(out[0:], r.argsz)
	le.PutUint32(out[4:], DeviceFlagMDX|DeviceFlagReset)
	le.PutUint32(out[8:], uint32(len(d.regions)))
	le.PutUint32(out[12:], numIRQSlots)
	return out
}

func (d *Device) getRegionInfo(r regionInfoRequest) ([]byte, error) {
	if r.index >= uint32(len(d.regions)) {
		return nil, fmt.Errorf("%w: region index %d of %d", ErrInvalidArgument, r.index, len(d.regions))
	}
	region := d.regions[r.index]

	out := make([]byte, RegionInfoSize)
	le.PutUint32(out[0:], r.argsz)
	le.PutUint32(out[4:], uint32(region.Flags))
	le.PutUint32(out[8:], r.index)
	le.PutUint64(out[16:], region.Size)
	le.PutUint64(out[24:], indexToOffset(r.index))
	return out, nil
}

func (d *Device) getIRQInfo(r irqInfoRequest) ([]byte, error) {
	if r.index >= numIRQSlots {
		return nil, fmt.Errorf("%w: irq index %d of %d", ErrInvalidArgument, r.index, numIRQSlots)
	}

	out := make([]byte, IRQInfoSize)
	le.PutUint32(out[0:], r.argsz)
	le.PutUint32(out[4:], IRQInfoEventfd)
	le.PutUint32(out[8:], r.index)
	le.PutUint32(out[12:], d.dev.MSICount())
	return out, nil
}

// validateIRQSet checks the header against the slot and vector counts and
// returns the payload size the data type implies. It runs before any byte of
// the payload is interpreted and before any state changes.
func validateIRQSet(r irqSetRequest, numVectors uint32) (int, error) {
	if r.index >= numIRQSlots {
		return 0, fmt.Errorf("%w: irq index %d of %d", ErrInvalidArgument, r.index, numIRQSlots)
	}

	dataType := r.flags & irqSetDataTypeMask
	action := r.flags & irqSetActionMask
	if r.flags&^(irqSetDataTypeMask|irqSetActionMask) != 0 ||
		!oneBit(dataType) || !oneBit(action) {
		return 0, fmt.Errorf("%w: irq set flags %#x", ErrInvalidArgument, r.flags)
	}

	if r.count == 0 {
		if dataType != IRQSetDataNone {
			return 0, fmt.Errorf("%w: zero count requires no data", ErrInvalidArgument)
		}
	} else {
		if r.start >= numVectors || r.start+r.count > numVectors || r.start+r.count < r.start {
			return 0, fmt.Errorf("%w: vectors [%d,%d) of %d", ErrInvalidArgument,
				r.start, r.start+r.count, numVectors)
		}
	}

	dataSize := 0
	switch dataType {
	case IRQSetDataBool:
		dataSize = int(r.count)
	case IRQSetDataEventfd:
		dataSize = int(r.count) * 4
	}

	if int(r.argsz) < IRQSetSize+dataSize {
		return 0, fmt.Errorf("%w: argsz %d below %d", ErrInvalidArgument, r.argsz, IRQSetSize+dataSize)
	}
	if len(r.trailing) < dataSize {
		return 0, fmt.Errorf("%w: payload %d below %d", ErrInvalidArgument, len(r.trailing), dataSize)
	}
	return dataSize, nil
}

func oneBit(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

func (d *Device) setIRQs(r irqSetRequest) error {
	dataSize, err := validateIRQSet(r, d.dev.MSICount())
	if err != nil {
		return err
	}

	// The payload is copied out of the request buffer only after
	// validation; the copy dies with this call regardless of outcome.
	var data []byte
	if dataSize > 0 {
		data = append([]byte(nil), r.trailing[:dataSize]...)
	}

	switch {
	case r.flags&IRQSetActionMask != 0:
		if r.flags&IRQSetDataNone == 0 {
			return fmt.Errorf("%w: mask only accepts no data", ErrNotSupported)
		}
		return d.irqs.Enable(d.dev, false)

	case r.flags&IRQSetActionUnmask != 0:
		if r.flags&IRQSetDataNone == 0 {
			return fmt.Errorf("%w: unmask only accepts no data", ErrNotSupported)
		}
		return d.irqs.Enable(d.dev, true)

	case r.flags&IRQSetActionTrigger != 0:
		return d.setIRQTrigger(r, data)
	}
	return ErrNotSupported
}

func (d *Device) setIRQTrigger(r irqSetRequest, data []byte) error {
	reqID := d.dev.RequesterID()

	switch {
	case r.flags&IRQSetDataEventfd != 0:
		return d.attachTriggers(r.start, r.count, data)

	case r.flags&IRQSetDataNone != 0:
		if r.count == 0 {
			// Disable: back to the unallocated state. The enable
			// toggle is best effort once teardown has begun.
			if d.irqs.Allocated(reqID) {
				if err := d.irqs.Enable(d.dev, false); err != nil {
					d.log.Warn("mediator: disable on irq teardown failed",
						"device", d.dev.Name(), "error", err)
				}
				d.irqs.Release(reqID)
			}
			return nil
		}
		return d.fireVectors(r.start, r.count, nil)

	case r.flags&IRQSetDataBool != 0:
		return d.fireVectors(r.start, r.count, data)
	}
	return ErrNotSupported
}

// attachTriggers allocates the slot's vectors on first use and attaches one
// client-supplied completion token per vector. A negative token detaches.
func (d *Device) attachTriggers(start, count uint32, data []byte) error {
	reqID := d.dev.RequesterID()

	if !d.irqs.Allocated(reqID) {
		if start != 0 {
			return fmt.Errorf("%w: first irq setup must start at vector 0", ErrInvalidArgument)
		}
		if _, err := d.irqs.Alloc(d.dev, count); err != nil {
			return err
		}
		if err := d.irqs.Enable(d.dev, true); err != nil {
			d.irqs.Release(reqID)
			return err
		}
	}

	vectors := d.irqs.Vectors(reqID)
	if start+count > uint32(len(vectors)) {
		return fmt.Errorf("%w: vectors [%d,%d) of %d allocated", ErrInvalidArgument,
			start, start+count, len(vectors))
	}

	for i := uint32(0); i < count; i++ {
		fd := int32(le.Uint32(data[i*4:]))
		v := vectors[start+i]

		if fd < 0 {
			if prev := v.ClearTrigger(); prev != nil {
				if err := prev.Close(); err != nil {
					d.log.Warn("mediator: close trigger", "device", d.dev.Name(),
						"vector", v.Index(), "error", err)
				}
			}
			continue
		}

		t, err := d.triggers(fd)
		if err != nil {
			return fmt.Errorf("%w: vector %d: %v", ErrInvalidArgument, start+i, err)
		}
		if prev := v.SetTrigger(t); prev != nil {
			if err := prev.Close(); err != nil {
				d.log.Warn("mediator: close trigger", "device", d.dev.Name(),
					"vector", v.Index(), "error", err)
			}
		}
	}
	return nil
}

// fireVectors raises the completion signal on vectors [start,start+count).
// With a bool payload only vectors whose byte is non-zero fire.
func (d *Device) fireVectors(start, count uint32, bools []byte) error {
	vectors := d.irqs.Vectors(d.dev.RequesterID())
	if vectors == nil {
		return fmt.Errorf("%w: interrupts not configured", ErrInvalidArgument)
	}
	if start+count > uint32(len(vectors)) {
		return fmt.Errorf("%w: vectors [%d,%d) of %d allocated", ErrInvalidArgument,
			start, start+count, len(vectors))
	}

	for i := uint32(0); i < count; i++ {
		if bools != nil && bools[i] == 0 {
			continue
		}
		if err := vectors[start+i].Fire(); err != nil {
			return fmt.Errorf("mediator: fire vector %d: %w", start+i, err)
		}
	}
	return nil
}

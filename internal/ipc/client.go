package ipc

import (
	"fmt"
	"net"
	"sync"

	"github.com/tinyrange/mdx/internal/mediator"
)

// DeviceInfo is the parsed Get-Device-Info response.
type DeviceInfo struct {
	Flags      uint32
	NumRegions uint32
	NumIRQs    uint32
}

// RegionInfo is the parsed Get-Region-Info response.
type RegionInfo struct {
	Flags  mediator.RegionFlags
	Size   uint64
	Offset uint64
}

// IRQInfo is the parsed Get-Interrupt-Info response.
type IRQInfo struct {
	Flags uint32
	Count uint32
}

// Client issues mediator calls over a unix socket. Calls are serialized: the
// protocol has no request IDs, so one request is in flight at a time.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to a mediator server socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) call(device uint16, op mediator.Op, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hdr := requestHeader{Length: uint32(len(payload)), Op: op, Device: device}
	if err := writeRequest(c.conn, hdr, payload); err != nil {
		return nil, fmt.Errorf("ipc: send request: %w", err)
	}
	status, resp, err := readResponse(c.conn)
	if err != nil {
		return nil, fmt.Errorf("ipc: read response: %w", err)
	}
	if status != StatusOK {
		return nil, status.Err()
	}
	return resp, nil
}

// GetDeviceInfo issues the Get-Device-Info call for the given device index.
func (c *Client) GetDeviceInfo(device uint16) (DeviceInfo, error) {
	req := make([]byte, mediator.DeviceInfoSize)
	le.PutUint32(req, mediator.DeviceInfoSize)

	resp, err := c.call(device, mediator.OpDeviceInfo, req)
	if err != nil {
		return DeviceInfo{}, err
	}
	if len(resp) < mediator.DeviceInfoSize {
		return DeviceInfo{}, fmt.Errorf("ipc: short device info response (%d bytes)", len(resp))
	}
	return DeviceInfo{
		Flags:      le.Uint32(resp[4:]),
		NumRegions: le.Uint32(resp[8:]),
		NumIRQs:    le.Uint32(resp[12:]),
	}, nil
}

// GetRegionInfo issues the Get-Region-Info call for one region index.
func (c *Client) GetRegionInfo(device uint16, index uint32) (RegionInfo, error) {
	req := make([]byte, mediator.RegionInfoSize)
	le.PutUint32(req, mediator.RegionInfoSize)
	le.PutUint32(req[8:], index)

	resp, err := c.call(device, mediator.OpRegionInfo, req)
	if err != nil {
		return RegionInfo{}, err
	}
	if len(resp) < mediator.RegionInfoSize {
		return RegionInfo{}, fmt.Errorf("ipc: short region info response (%d bytes)", len(resp))
	}
	return RegionInfo{
		Flags:  mediator.RegionFlags(le.Uint32(resp[4:])),
		Size:   le.Uint64(resp[16:]),
		Offset: le.Uint64(resp[24:]),
	}, nil
}

// GetIRQInfo issues the Get-Interrupt-Info call for one slot index.
func (c *Client) GetIRQInfo(device uint16, index uint32) (IRQInfo, error) {
	req := make([]byte, mediator.IRQInfoSize)
	le.PutUint32(req, mediator.IRQInfoSize)
	le.PutUint32(req[8:], index)

	resp, err := c.call(device, mediator.OpIRQInfo, req)
	if err != nil {
		return IRQInfo{}, err
	}
	if len(resp) < mediator.IRQInfoSize {
		return IRQInfo{}, fmt.Errorf("ipc: short irq info response (%d bytes)", len(resp))
	}
	return IRQInfo{
		Flags: le.Uint32(resp[4:]),
		Count: le.Uint32(resp[12:]),
	}, nil
}

// SetIRQs issues the Set-Interrupts call. data is the variable payload the
// flags imply (eventfd tokens or bools), appended verbatim after the header.
func (c *Client) SetIRQs(device uint16, flags, index, start, count uint32, data []byte) error {
	req := make([]byte, mediator.IRQSetSize+len(data))
	le.PutUint32(req, uint32(len(req)))
	le.PutUint32(req[4:], flags)
	le.PutUint32(req[8:], index)
	le.PutUint32(req[12:], start)
	le.PutUint32(req[16:], count)
	copy(req[mediator.IRQSetSize:], data)

	_, err := c.call(device, mediator.OpSetIRQs, req)
	return err
}

// Reset issues the device reset call.
func (c *Client) Reset(device uint16) error {
	_, err := c.call(device, mediator.OpReset, nil)
	return err
}

package msi

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/tinyrange/mdx/internal/bus"
	"github.com/tinyrange/mdx/internal/topology"
)

// testDevice implements bus.Device with observable config channel state.
type testDevice struct {
	name  string
	reqID uint16
	count uint32

	mu        sync.Mutex
	enabled   bool
	messages  map[uint32]bus.MSIMessage
	configErr error
}

func newTestDevice(name string, reqID uint16, count uint32) *testDevice {
	return &testDevice{
		name:     name,
		reqID:    reqID,
		count:    count,
		messages: make(map[uint32]bus.MSIMessage),
	}
}

func (d *testDevice) Name() string              { return d.name }
func (d *testDevice) BusNumber() uint8          { return 0 }
func (d *testDevice) DeviceNumber() uint8       { return 0 }
func (d *testDevice) RequesterID() uint16       { return d.reqID }
func (d *testDevice) Resources() []bus.Resource { return nil }
func (d *testDevice) MSICount() uint32          { return d.count }
func (d *testDevice) Reset() error              { return nil }

func (d *testDevice) Configure(cmd bus.ConfigCommand) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.configErr != nil {
		return d.configErr
	}
	switch c := cmd.(type) {
	case bus.MSIEnable:
		d.enabled = c.Enable
	case bus.MSIMessage:
		d.messages[c.Index] = c
	}
	return nil
}

// testController records allocations and can be made to fail.
type testController struct {
	mu       sync.Mutex
	routed   map[uint64]uint32
	allocErr error
	frees    int
}

func newTestController() *testController {
	return &testController{routed: make(map[uint64]uint32)}
}

func (c *testController) AllocVectors(deviceID uint32, hwirqs []uint64) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allocErr != nil {
		return nil, c.allocErr
	}
	messages := make([]Message, len(hwirqs))
	for i, hwirq := range hwirqs {
		c.routed[hwirq] = deviceID
		messages[i] = Message{Address: 0xfee0_0000, Data: uint32(hwirq)}
	}
	return messages, nil
}

func (c *testController) FreeVectors(deviceID uint32, hwirqs []uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, hwirq := range hwirqs {
		delete(c.routed, hwirq)
	}
	c.frees++
	return nil
}

func (c *testController) routedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.routed)
}

func testNode() *topology.Node {
	return &topology.Node{
		Name: "its@0",
		MSIMap: []topology.MSIMapEntry{
			{RIDBase: 0x000, DeviceIDBase: 0x1000, Length: 0x100},
		},
	}
}

func TestHardwareIRQUniqueness(t *testing.T) {
	// Two devices below one controller must never share a hardware
	// interrupt number for any (requester, index) pair.
	seen := make(map[uint64]string)
	for _, reqID := range []uint16{0x10, 0x11, 0x80, 0xff} {
		for index := uint32(0); index < 64; index++ {
			hwirq := HardwareIRQ(reqID, index)
			key := fmt.Sprintf("req=%#x idx=%d", reqID, index)
			if prev, dup := seen[hwirq]; dup {
				t.Fatalf("hwirq %#x collides: %s and %s", hwirq, prev, key)
			}
			seen[hwirq] = key
		}
	}
}

func TestAllocArmsVectors(t *testing.T) {
	dev := newTestDevice("dev0", 0x10, 4)
	ctrl := newTestController()
	dom := NewDomain(testNode(), ctrl, slog.Default())

	vectors, err := dom.Alloc(dev, 4)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if len(vectors) != 4 {
		t.Fatalf("expected 4 vectors, got %d", len(vectors))
	}
	if ctrl.routedCount() != 4 {
		t.Fatalf("expected 4 routed vectors, got %d", ctrl.routedCount())
	}

	for i, v := range vectors {
		want := HardwareIRQ(0x10, uint32(i))
		if v.HardwareIRQ() != want {
			t.Fatalf("vector %d: hwirq %#x, want %#x", i, v.HardwareIRQ(), want)
		}
		if !v.Armed() {
			t.Fatalf("vector %d not armed", i)
		}
		msg, ok := dev.messages[uint32(i)]
		if !ok {
			t.Fatalf("vector %d: no message written to device", i)
		}
		if msg.Data != uint32(want) || msg.Address != 0xfee0_0000 {
			t.Fatalf("vector %d: message %+v", i, msg)
		}
	}
}

func TestAllocRejectsSecondAllocation(t *testing.T) {
	dev := newTestDevice("dev0", 0x10, 2)
	ctrl := newTestController()
	dom := NewDomain(testNode(), ctrl, slog.Default())

	if _, err := dom.Alloc(dev, 2); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := dom.Alloc(dev, 2); !errors.Is(err, ErrAlreadyAllocated) {
		t.Fatalf("second alloc: got %v, want ErrAlreadyAllocated", err)
	}
	if ctrl.routedCount() != 2 {
		t.Fatalf("second alloc changed controller state: %d routed", ctrl.routedCount())
	}
}

func TestAllocUnresolvableRequester(t *testing.T) {
	// Requester outside the msi-map: fatal to allocation, nothing routed.
	dev := newTestDevice("dev0", 0x500, 2)
	ctrl := newTestController()
	dom := NewDomain(testNode(), ctrl, slog.Default())

	_, err := dom.Alloc(dev, 2)
	if !errors.Is(err, topology.ErrNoMapping) {
		t.Fatalf("got %v, want ErrNoMapping", err)
	}
	if ctrl.routedCount() != 0 {
		t.Fatalf("failed alloc left %d vectors routed", ctrl.routedCount())
	}
	if dom.Allocated(0x500) {
		t.Fatal("failed alloc left device allocated")
	}
}

func TestAllocControllerExhaustion(t *testing.T) {
	dev := newTestDevice("dev0", 0x10, 2)
	ctrl := newTestController()
	ctrl.allocErr = errors.New("out of LPIs")
	dom := NewDomain(testNode(), ctrl, slog.Default())

	if _, err := dom.Alloc(dev, 2); !errors.Is(err, ErrNoVectors) {
		t.Fatalf("got %v, want ErrNoVectors", err)
	}
	if dom.Allocated(0x10) {
		t.Fatal("failed alloc left device allocated")
	}
}

func TestAllocCountBounds(t *testing.T) {
	dev := newTestDevice("dev0", 0x10, 2)
	dom := NewDomain(testNode(), newTestController(), slog.Default())

	if _, err := dom.Alloc(dev, 0); err == nil {
		t.Fatal("zero-count alloc succeeded")
	}
	if _, err := dom.Alloc(dev, MaxVectors); err == nil {
		t.Fatal("alloc at the vector ceiling succeeded")
	}
}

func TestWriteMessageFailureIsDegradedNotFatal(t *testing.T) {
	dev := newTestDevice("dev0", 0x10, 1)
	ctrl := newTestController()
	dom := NewDomain(testNode(), ctrl, slog.Default())

	dev.configErr = errors.New("config channel down")
	vectors, err := dom.Alloc(dev, 1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	// Controller side is configured, device side is not: degraded-armed.
	if ctrl.routedCount() != 1 {
		t.Fatalf("controller lost routing on device failure: %d routed", ctrl.routedCount())
	}
	if vectors[0].Armed() {
		t.Fatal("vector armed despite device write failure")
	}

	// A later successful write arms the vector.
	dev.configErr = nil
	if err := dom.WriteMessage(0x10, 0, Message{Address: 0xfee0_0040, Data: 7}); err != nil {
		t.Fatalf("write message: %v", err)
	}
	if v := dom.Vectors(0x10)[0]; !v.Armed() {
		t.Fatal("vector not armed after successful rewrite")
	}
	if msg := dev.messages[0]; msg.Data != 7 || msg.Address != 0xfee0_0040 {
		t.Fatalf("device message %+v after rewrite", msg)
	}
}

func TestWriteMessageUnknownVector(t *testing.T) {
	dom := NewDomain(testNode(), newTestController(), slog.Default())
	if err := dom.WriteMessage(0x10, 0, Message{}); !errors.Is(err, ErrNoVector) {
		t.Fatalf("got %v, want ErrNoVector", err)
	}
}

func TestEnableForwardsVerbatim(t *testing.T) {
	dev := newTestDevice("dev0", 0x10, 1)
	dom := NewDomain(testNode(), newTestController(), slog.Default())

	if err := dom.Enable(dev, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !dev.enabled {
		t.Fatal("device not enabled")
	}

	dev.configErr = errors.New("nack")
	if err := dom.Enable(dev, false); err == nil {
		t.Fatal("enable error not reported")
	}
	if !dev.enabled {
		t.Fatal("failed toggle changed device state")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	dev := newTestDevice("dev0", 0x10, 3)
	ctrl := newTestController()
	dom := NewDomain(testNode(), ctrl, slog.Default())

	if _, err := dom.Alloc(dev, 3); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	dom.Release(0x10)
	if ctrl.routedCount() != 0 {
		t.Fatalf("%d vectors still routed after release", ctrl.routedCount())
	}
	if dom.Allocated(0x10) {
		t.Fatal("device still allocated after release")
	}

	dom.Release(0x10)
	if ctrl.frees != 1 {
		t.Fatalf("second release hit the controller (%d frees)", ctrl.frees)
	}

	// The device can allocate again from scratch.
	if _, err := dom.Alloc(dev, 3); err != nil {
		t.Fatalf("re-alloc after release: %v", err)
	}
}

func TestReleaseClosesTriggers(t *testing.T) {
	dev := newTestDevice("dev0", 0x10, 1)
	dom := NewDomain(testNode(), newTestController(), slog.Default())

	vectors, err := dom.Alloc(dev, 1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	trig := &countingTrigger{}
	vectors[0].SetTrigger(trig)

	dom.Release(0x10)
	if !trig.isClosed() {
		t.Fatal("trigger not closed on release")
	}
}

func TestVectorFire(t *testing.T) {
	dev := newTestDevice("dev0", 0x10, 1)
	dom := NewDomain(testNode(), newTestController(), slog.Default())

	vectors, err := dom.Alloc(dev, 1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	// No trigger attached: the signal is dropped, not an error.
	if err := vectors[0].Fire(); err != nil {
		t.Fatalf("fire without trigger: %v", err)
	}

	trig := &countingTrigger{}
	vectors[0].SetTrigger(trig)
	if err := vectors[0].Fire(); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if got := trig.count(); got != 1 {
		t.Fatalf("trigger fired %d times, want 1", got)
	}
}

type countingTrigger struct {
	mu      sync.Mutex
	signals int
	closed  bool
}

func (c *countingTrigger) Signal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals++
	return nil
}

func (c *countingTrigger) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signals
}

func (c *countingTrigger) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Package bus defines the narrow interfaces the mediator consumes from the
// bus enumerator. The enumerator owns discovery, probe/remove bookkeeping and
// the hardware description; the mediator only ever sees an already-enumerated
// Device.
package bus

// ResourceFlags are the raw hardware flags the enumerator attaches to one
// resource window. They are kept separate from the derived flags the mediator
// reports to clients so the two bit layouts can evolve independently.
type ResourceFlags uint32

const (
	// ResourceReadOnly marks a window that must not be written.
	ResourceReadOnly ResourceFlags = 1 << 0
)

// Resource is one physical address window declared for a device.
type Resource struct {
	Start uint64
	Size  uint64
	Flags ResourceFlags
}

// ConfigCommand is a typed command written to a device's configuration
// channel. The set is closed: only the commands the mediator issues exist.
type ConfigCommand interface {
	isConfigCommand()
}

// MSIEnable toggles message-signaled interrupt delivery at the device.
type MSIEnable struct {
	Enable bool
}

// MSIMessage programs the message address/data pair for one vector index.
type MSIMessage struct {
	Index   uint32
	Data    uint32
	Address uint64
}

func (MSIEnable) isConfigCommand()  {}
func (MSIMessage) isConfigCommand() {}

// Device is one enumerated bus device. Implementations are expected to keep
// Resources stable for the lifetime of the device and to serialize Configure
// calls internally if they touch shared controller hardware.
type Device interface {
	// Name identifies the device for logging.
	Name() string

	// BusNumber and DeviceNumber locate the device on its bus.
	BusNumber() uint8
	DeviceNumber() uint8

	// RequesterID is the identifier the interrupt controller uses to
	// attribute message writes to this device.
	RequesterID() uint16

	// Resources returns the ordered raw resource list. The slice must not
	// be mutated by callers.
	Resources() []Resource

	// MSICount is the number of hardware vectors the device can raise.
	MSICount() uint32

	// Reset returns the device to its power-on state.
	Reset() error

	// Configure writes one command to the device's configuration channel.
	Configure(cmd ConfigCommand) error
}

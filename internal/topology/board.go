package topology

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ResourceSpec declares one physical address window for a board device.
type ResourceSpec struct {
	Base     uint64 `yaml:"base"`
	Size     uint64 `yaml:"size"`
	ReadOnly bool   `yaml:"read-only,omitempty"`
}

// DeviceSpec declares one enumerated device on the board.
type DeviceSpec struct {
	Name        string         `yaml:"name"`
	Bus         uint8          `yaml:"bus"`
	Device      uint8          `yaml:"device"`
	RequesterID uint16         `yaml:"requester-id"`
	MSICount    uint32         `yaml:"msi-count"`
	Resources   []ResourceSpec `yaml:"resources,omitempty"`
}

// Board is the hardware description consumed by cmd/mdx: the interrupt
// controller node and the devices behind it.
type Board struct {
	Controller Node         `yaml:"controller"`
	Devices    []DeviceSpec `yaml:"devices"`
}

// LoadBoard parses a board description from YAML.
func LoadBoard(r io.Reader) (*Board, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var board Board
	if err := dec.Decode(&board); err != nil {
		return nil, fmt.Errorf("topology: decode board: %w", err)
	}
	if err := board.validate(); err != nil {
		return nil, err
	}
	return &board, nil
}

// LoadBoardFile parses a board description from a YAML file.
func LoadBoardFile(path string) (*Board, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("topology: open board file: %w", err)
	}
	defer f.Close()
	return LoadBoard(f)
}

func (b *Board) validate() error {
	if b.Controller.Name == "" {
		return fmt.Errorf("topology: board has no controller node")
	}
	seen := make(map[uint16]string)
	for _, dev := range b.Devices {
		if dev.Name == "" {
			return fmt.Errorf("topology: device without a name")
		}
		if prev, ok := seen[dev.RequesterID]; ok {
			return fmt.Errorf("topology: devices %q and %q share requester %#04x",
				prev, dev.Name, dev.RequesterID)
		}
		seen[dev.RequesterID] = dev.Name
		for _, res := range dev.Resources {
			if res.Size == 0 {
				return fmt.Errorf("topology: device %q declares a zero-size resource", dev.Name)
			}
		}
	}
	return nil
}

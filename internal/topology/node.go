// Package topology models the firmware description the mediator needs: the
// interrupt controller node with its requester-ID translation table, and the
// board-level device declarations consumed by the demo bus.
package topology

import (
	"errors"
	"fmt"
)

// ErrNoMapping reports that a requester ID has no msi-map entry.
var ErrNoMapping = errors.New("topology: no msi-map entry")

// MSIMapEntry translates a contiguous range of requester IDs into the
// interrupt controller's own device-identifier namespace. Layout follows the
// firmware msi-map convention: (rid-base, deviceid-base, length).
type MSIMapEntry struct {
	RIDBase      uint16 `yaml:"rid-base"`
	DeviceIDBase uint32 `yaml:"deviceid-base"`
	Length       uint32 `yaml:"length"`
}

// Node is one firmware topology node. The mediator only ever consults the
// interrupt controller node, whose msi-map resolves requester IDs.
type Node struct {
	Name     string        `yaml:"name"`
	MSIMap   []MSIMapEntry `yaml:"msi-map,omitempty"`
	Children []Node        `yaml:"children,omitempty"`
}

// MapRequesterID resolves a device requester ID to the controller-local
// device identifier using the node's msi-map. The returned error carries the
// node name so allocation failures point at the firmware table at fault.
func (n *Node) MapRequesterID(rid uint16) (uint32, error) {
	for _, e := range n.MSIMap {
		if uint32(rid) >= uint32(e.RIDBase) && uint32(rid) < uint32(e.RIDBase)+e.Length {
			return e.DeviceIDBase + uint32(rid) - uint32(e.RIDBase), nil
		}
	}
	return 0, fmt.Errorf("%w for requester %#04x on node %q", ErrNoMapping, rid, n.Name)
}

// Lookup returns the named child node, searching depth first.
func (n *Node) Lookup(name string) (*Node, bool) {
	if n.Name == name {
		return n, true
	}
	for i := range n.Children {
		if found, ok := n.Children[i].Lookup(name); ok {
			return found, true
		}
	}
	return nil, false
}

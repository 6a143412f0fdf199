//go:build !linux

package msi

import "fmt"

// TriggerFromFD is Linux-only; other platforms have no eventfd to wrap.
func TriggerFromFD(fd int32) (Trigger, error) {
	return nil, fmt.Errorf("msi: eventfd triggers unsupported on this platform")
}

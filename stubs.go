//go:build !linux

package hypervisor

import "fmt"

// Supported returns false on non-Linux platforms.
func Supported() (bool, error) {
	return false, fmt.Errorf("hypervisor: not supported on this platform")
}

// DetectCapabilities reports no usable extension on non-Linux platforms.
func DetectCapabilities() (Capabilities, error) {
	return Capabilities{}, fmt.Errorf("%w: capability discovery not supported on this platform", ErrUnsupportedHardware)
}

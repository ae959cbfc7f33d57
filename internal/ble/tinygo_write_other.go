//go:build !darwin && !windows && !linux

package ble

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

func writeWithResponse(c *bluetooth.DeviceCharacteristic, p []byte) (int, error) {
	return 0, fmt.Errorf("%w: write with response", ErrUnsupported)
}

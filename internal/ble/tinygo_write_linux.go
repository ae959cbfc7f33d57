package ble

import "tinygo.org/x/bluetooth"

// writeWithResponse has no dedicated call on BlueZ. WriteWithoutResponse
// issues GattCharacteristic1.WriteValue without a "type" option, which BlueZ
// sends as a write request when the characteristic allows one, and the
// D-Bus call returns only after the peripheral answered.
func writeWithResponse(c *bluetooth.DeviceCharacteristic, p []byte) (int, error) {
	return c.WriteWithoutResponse(p)
}

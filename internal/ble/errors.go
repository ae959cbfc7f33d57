package ble

import "errors"

var (
	// ErrUnavailable indicates the adapter could not be enabled.
	ErrUnavailable = errors.New("ble: adapter unavailable")

	// ErrUnknownDevice indicates an address is in neither the current nor
	// the previous scan snapshot.
	ErrUnknownDevice = errors.New("ble: device not found")

	// ErrAlreadyConnected indicates the session for an address already holds a live handle.
	ErrAlreadyConnected = errors.New("ble: already connected")

	// ErrNotConnected indicates there is no live session.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrTaskQueued indicates a task was submitted again before it finished.
	ErrTaskQueued = errors.New("ble: task already queued")

	// ErrUnsupported indicates the driver cannot perform an operation.
	ErrUnsupported = errors.New("ble: operation not supported")
)

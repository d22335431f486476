// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"errors"
	"fmt"
)

// Code classifies a driver failure independently of the vendor library
type Code int

const (
	CodeUnknown Code = iota
	CodeUninitialized
	CodeInvalidArgument
	CodeNotSupported
	CodeNoPermission
	CodeNotFound
	CodeInsufficientSize
	CodeInsufficientPower
	CodeDriverNotLoaded
	CodeTimeout
	CodeGPULost
	CodeLibraryNotFound
	CodeMemory
)

func (c Code) String() string {
	switch c {
	case CodeUninitialized:
		return "uninitialized"
	case CodeInvalidArgument:
		return "invalid-argument"
	case CodeNotSupported:
		return "not-supported"
	case CodeNoPermission:
		return "no-permission"
	case CodeNotFound:
		return "not-found"
	case CodeInsufficientSize:
		return "insufficient-size"
	case CodeInsufficientPower:
		return "insufficient-power"
	case CodeDriverNotLoaded:
		return "driver-not-loaded"
	case CodeTimeout:
		return "timeout"
	case CodeGPULost:
		return "gpu-lost"
	case CodeLibraryNotFound:
		return "library-not-found"
	case CodeMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// NoDevice is the DriverError.Device value of queries that are not scoped to a device
const NoDevice = -1

var (
	// ErrNotSupported matches any DriverError whose code is CodeNotSupported
	ErrNotSupported = errors.New("operation not supported on this device")

	// ErrReleased is returned when sampling a device whose dynamic state was released
	ErrReleased = errors.New("device released")
)

// DriverError is returned by every failing driver query
type DriverError struct {
	Code   Code
	Device int
	Op     string
	Msg    string
}

func (e *DriverError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Device == NoDevice {
		return fmt.Sprintf("%s failed: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s failed for device %d: %s", e.Op, e.Device, msg)
}

func (e *DriverError) Unwrap() error {
	if e.Code == CodeNotSupported {
		return ErrNotSupported
	}
	return nil
}

// IsNotSupported reports whether err is a capability absence rather than a failure
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}

// IsInsufficientSize reports whether err is the driver's "buffer too small" signal
func IsInsufficientSize(err error) bool {
	var de *DriverError
	return errors.As(err, &de) && de.Code == CodeInsufficientSize
}

// IsNotFound reports whether err is the driver's "nothing to return" signal
func IsNotFound(err error) bool {
	var de *DriverError
	return errors.As(err, &de) && de.Code == CodeNotFound
}

// AllocationError is returned when a list could not be sized for a fetch
type AllocationError struct {
	Device   int
	Op       string
	Capacity int
	Got      int
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("%s: cannot size list for device %d: capacity %d, got %d",
		e.Op, e.Device, e.Capacity, e.Got)
}

// ErrDeviceNotFound is returned when a device index is outside the environment
type ErrDeviceNotFound struct {
	DeviceIndex int
}

func (e ErrDeviceNotFound) Error() string {
	return fmt.Sprintf("GPU device not found: index %d", e.DeviceIndex)
}

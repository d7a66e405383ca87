// Package errdefs defines the error classes shared by the weft backend and
// its clients. Errors from either side wrap one of the sentinels below so
// callers can branch with errors.Is regardless of where the failure happened.
package errdefs

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
)

var (
	// ErrNotFound is returned when a block, module or function handle does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrAllocationFailure is returned when device memory is exhausted.
	ErrAllocationFailure = errors.New("allocation failure")

	// ErrTransport is returned by the client when a remote call did not complete.
	ErrTransport = errors.New("transport failure")

	// ErrPartialLaunch is returned when at least one per-device launch failed.
	ErrPartialLaunch = errors.New("partial launch failure")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotResident is returned when a block is written back from a device
	// it was never uploaded to.
	ErrNotResident = errors.New("block not resident on device")
)

func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsAllocationFailure(err error) bool { return errors.Is(err, ErrAllocationFailure) }
func IsTransport(err error) bool         { return errors.Is(err, ErrTransport) }
func IsPartialLaunch(err error) bool     { return errors.Is(err, ErrPartialLaunch) }
func IsInvalidArgument(err error) bool   { return errors.Is(err, ErrInvalidArgument) }

// DeviceFailure is the error of a single device task of a scheduled launch.
type DeviceFailure struct {
	Device int
	Err    error
}

// PartialLaunchError aggregates the failed device tasks of one scheduled launch.
type PartialLaunchError struct {
	Devices  int
	Failures []DeviceFailure
}

// NewPartialLaunchError builds the aggregated error, ordering failures by device.
func NewPartialLaunchError(devices int, failures []DeviceFailure) *PartialLaunchError {
	sorted := append([]DeviceFailure(nil), failures...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Device < sorted[j].Device })
	return &PartialLaunchError{Devices: devices, Failures: sorted}
}

func (e *PartialLaunchError) Error() string {
	var combined error
	for _, f := range e.Failures {
		combined = multierr.Append(combined, fmt.Errorf("device %d: %w", f.Device, f.Err))
	}
	return fmt.Sprintf("%s: %d of %d devices failed: %v", ErrPartialLaunch, len(e.Failures), e.Devices, combined)
}

// Unwrap exposes the sentinel and every device error to errors.Is/As.
func (e *PartialLaunchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrPartialLaunch)
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrNoDevice is returned by Open when the device path does not exist.
var ErrNoDevice = errors.New("kvm device not available")

// IsUnavailable reports whether err means KVM cannot be used on this host,
// as opposed to a failure of a specific request.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNoDevice) || errors.Is(err, unix.ENOENT) ||
		errors.Is(err, unix.EACCES) || errors.Is(err, unix.ENXIO) || errors.Is(err, unix.EPERM)
}

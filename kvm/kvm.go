package kvm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmCheckExtension      = 0xAE03
	kvmGetDirtyLog         = 0x4010AE42
	kvmSetUserMemoryRegion = 0x4020AE46

	// APIVersion is the only KVM API version ever released.
	APIVersion = 12
)

var ErrAPIVersion = errors.New("unsupported KVM API version")

// Ioctl issues an ioctl and retries it while it is interrupted.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetAPIVersion, 0)
}

func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmCreateVM, 0)
}

// CheckExtension returns the value KVM reports for a capability. Zero means
// unsupported.
func CheckExtension(kvmFd uintptr, c Capability) (int, error) {
	ret, err := Ioctl(kvmFd, kvmCheckExtension, uintptr(c))

	return int(ret), err
}

// VM is an open /dev/kvm handle together with one virtual machine.
type VM struct {
	dev  *os.File
	vmFd int
}

// Open opens the KVM device at path and creates a VM on it.
func Open(path string) (*VM, error) {
	dev, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %w", ErrNoDevice, err)
	}

	if err != nil {
		return nil, err
	}

	v, err := GetAPIVersion(dev.Fd())
	if err != nil {
		dev.Close()

		return nil, err
	}

	if v != APIVersion {
		dev.Close()

		return nil, ErrAPIVersion
	}

	vmFd, err := CreateVM(dev.Fd())
	if err != nil {
		dev.Close()

		return nil, err
	}

	return &VM{dev: dev, vmFd: int(vmFd)}, nil
}

func (v *VM) KVMFd() uintptr { return v.dev.Fd() }

func (v *VM) Fd() uintptr { return uintptr(v.vmFd) }

func (v *VM) Close() error {
	err := unix.Close(v.vmFd)
	if cerr := v.dev.Close(); err == nil {
		err = cerr
	}

	return err
}

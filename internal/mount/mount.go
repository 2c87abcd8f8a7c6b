// Package mount wraps the mount(2)/umount(2) syscalls behind an interface so
// components that assemble mount trees can be tested without privileges.
package mount

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string) error
}

// New returns the real syscall-backed Mounter.
func New() Mounter {
	return unixMounter{}
}

type unixMounter struct{}

func (unixMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	logrus.Debugf("mounting %s on %s (%s)", source, target, fstype)
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("mounting %s on %s: %w", source, target, err)
	}
	return nil
}

func (unixMounter) Unmount(target string) error {
	logrus.Debugf("unmounting %s", target)
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("unmounting %s: %w", target, err)
	}
	return nil
}

// Bind is the flag set for a bind mount.
const Bind = uintptr(unix.MS_BIND)

// Recorder is a Mounter for tests; it records operations in order.
type Recorder struct {
	Mounts   []string
	Unmounts []string
	// FailMount makes Mount return an error for the given source device.
	FailMount map[string]error
	// FailUnmount makes Unmount return an error for the given target.
	FailUnmount map[string]error
}

func (r *Recorder) Mount(source, target, fstype string, flags uintptr, data string) error {
	if err := r.FailMount[source]; err != nil {
		return err
	}
	r.Mounts = append(r.Mounts, target)
	return nil
}

func (r *Recorder) Unmount(target string) error {
	if err := r.FailUnmount[target]; err != nil {
		return err
	}
	r.Unmounts = append(r.Unmounts, target)
	return nil
}

// Package chroot runs commands inside the mounted image tree with the host's
// /dev, /proc and /sys bind-mounted in, which package maintainer scripts
// expect to be present.
package chroot

import (
	"fmt"
	"path/filepath"

	"github.com/Sky1-Linux/sky1-live-build/internal/mount"
	"github.com/Sky1-Linux/sky1-live-build/internal/osexec"
)

// bindPaths are mounted in this order and unmounted in reverse.
var bindPaths = []string{"/dev", "/proc", "/sys"}

type Chroot struct {
	Root string

	runner  osexec.Runner
	mounter mount.Mounter
	binds   []string
}

func New(root string, runner osexec.Runner, mounter mount.Mounter) *Chroot {
	return &Chroot{Root: root, runner: runner, mounter: mounter}
}

// BindMounts makes the host virtual filesystems visible inside the target.
func (c *Chroot) BindMounts() error {
	for _, p := range bindPaths {
		target := filepath.Join(c.Root, p)
		if err := c.mounter.Mount(p, target, "", mount.Bind, ""); err != nil {
			return err
		}
		c.binds = append(c.binds, target)
	}
	return nil
}

// UnmountBinds removes the bind mounts in strict reverse order. It is
// idempotent; already removed binds are skipped. The binds must be gone
// before the backing loop device can be detached.
func (c *Chroot) UnmountBinds() error {
	for i := len(c.binds) - 1; i >= 0; i-- {
		if err := c.mounter.Unmount(c.binds[i]); err != nil {
			c.binds = c.binds[:i+1]
			return err
		}
		c.binds = c.binds[:i]
	}
	return nil
}

// Run executes a command inside the target root. Package tools run
// non-interactively.
func (c *Chroot) Run(name string, args ...string) ([]byte, error) {
	argv := append([]string{c.Root, name}, args...)
	out, err := c.runner.RunEnv([]string{"DEBIAN_FRONTEND=noninteractive"}, "chroot", argv...)
	if err != nil {
		return out, fmt.Errorf("in chroot %s: %w", c.Root, err)
	}
	return out, nil
}

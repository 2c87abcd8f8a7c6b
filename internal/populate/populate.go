// Package populate formats the image partitions, mounts them and transfers
// the chroot tree into the root filesystem.
package populate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/Sky1-Linux/sky1-live-build/internal/disk"
	"github.com/Sky1-Linux/sky1-live-build/internal/mount"
	"github.com/Sky1-Linux/sky1-live-build/internal/osexec"
)

// Format creates the filesystems on the two partition devices. The ext4
// metadata checksums are disabled because the GRUB build shipped for the
// Sky1 boards cannot read filesystems that carry them.
func Format(runner osexec.Runner, espDev, rootDev string, plan disk.Plan) error {
	_, err := runner.Run("mkfs.vfat", "-F", "32", "-n", plan.ESP.Label, "-i", plan.ESPSerial, espDev)
	if err != nil {
		return fmt.Errorf("formatting ESP %s: %w", espDev, err)
	}

	_, err = runner.Run("mkfs.ext4", "-F",
		"-L", plan.Root.Label,
		"-U", plan.RootUUID.String(),
		"-O", "^metadata_csum,^metadata_csum_seed",
		rootDev)
	if err != nil {
		return fmt.Errorf("formatting root %s: %w", rootDev, err)
	}
	return nil
}

// Target is the mounted image filesystem tree.
type Target struct {
	// Dir is the mount root; the populated system lives below it.
	Dir string

	mounter mount.Mounter
	// mounted tracks mount points in mount order for reverse teardown.
	mounted []string
}

// ESPDir returns the mounted EFI System Partition path.
func (t *Target) ESPDir() string {
	return filepath.Join(t.Dir, "boot", "efi")
}

// MountTarget mounts the root partition at a fresh directory under workDir
// and the ESP at <root>/boot/efi. On failure it unwinds whatever it already
// mounted before returning; a half-mounted target must never leak past this
// function.
func MountTarget(m mount.Mounter, espDev, rootDev, workDir string) (*Target, error) {
	dir, err := os.MkdirTemp(workDir, "sky1-root-")
	if err != nil {
		return nil, fmt.Errorf("creating mount root: %w", err)
	}

	t := &Target{Dir: dir, mounter: m}

	if err := m.Mount(rootDev, dir, "ext4", 0, ""); err != nil {
		if rerr := os.Remove(dir); rerr != nil {
			logrus.Warnf("removing mount root %s: %v", dir, rerr)
		}
		return nil, err
	}
	t.mounted = append(t.mounted, dir)

	if err := os.MkdirAll(t.ESPDir(), 0o755); err != nil {
		t.rollback()
		return nil, fmt.Errorf("creating %s: %w", t.ESPDir(), err)
	}
	if err := m.Mount(espDev, t.ESPDir(), "vfat", 0, ""); err != nil {
		t.rollback()
		return nil, err
	}
	t.mounted = append(t.mounted, t.ESPDir())

	return t, nil
}

// rollback releases the mounts of a partially assembled target and removes
// the mount root directory.
func (t *Target) rollback() {
	if err := t.Unmount(); err != nil {
		logrus.Warnf("unwinding partial target %s: %v", t.Dir, err)
		return
	}
	if err := os.RemoveAll(t.Dir); err != nil {
		logrus.Warnf("removing mount root %s: %v", t.Dir, err)
	}
}

// Unmount tears the target down in strict reverse mount order. It is
// idempotent: already unmounted paths are skipped.
func (t *Target) Unmount() error {
	for i := len(t.mounted) - 1; i >= 0; i-- {
		if err := t.mounter.Unmount(t.mounted[i]); err != nil {
			t.mounted = t.mounted[:i+1]
			return err
		}
		t.mounted = t.mounted[:i]
	}
	return nil
}

// rsyncExcludes are paths never copied into the image: virtual filesystems,
// device nodes, runtime state, temporary files and package caches. Copying
// virtual filesystem content corrupts the target.
var rsyncExcludes = []string{
	"/dev/*",
	"/proc/*",
	"/sys/*",
	"/run/*",
	"/tmp/*",
	"/mnt/*",
	"/media/*",
	"/lost+found",
	"/var/cache/apt/archives/*.deb",
	"/var/lib/apt/lists/*",
}

// CopyChroot transfers the chroot tree into the mounted target with an
// archival copy that preserves permissions, ownership, hard links, extended
// attributes and ACLs.
func CopyChroot(runner osexec.Runner, chrootDir string, t *Target) error {
	logrus.Infof("populating %s from %s", t.Dir, chrootDir)

	args := []string{"--archive", "--hard-links", "--acls", "--xattrs", "--numeric-ids"}
	for _, ex := range rsyncExcludes {
		args = append(args, "--exclude="+ex)
	}
	args = append(args, chrootDir+"/", t.Dir+"/")

	if _, err := runner.Run("rsync", args...); err != nil {
		return fmt.Errorf("copying chroot %s: %w", chrootDir, err)
	}
	return nil
}

// Package imagebuild orchestrates a complete disk image build: backing file,
// GPT label, loop attach, filesystems, population from the desktop chroot,
// live-to-installed transformation, boot configuration, identity scrub and
// final compression. Every acquired resource is registered on a cleanup stack
// before the next step runs, so an aborted or interrupted build never leaves
// loop devices or mounts behind.
package imagebuild

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"

	"github.com/Sky1-Linux/sky1-live-build/internal/bootconf"
	"github.com/Sky1-Linux/sky1-live-build/internal/buildconf"
	"github.com/Sky1-Linux/sky1-live-build/internal/buildrequest"
	"github.com/Sky1-Linux/sky1-live-build/internal/chroot"
	"github.com/Sky1-Linux/sky1-live-build/internal/disk"
	"github.com/Sky1-Linux/sky1-live-build/internal/identity"
	"github.com/Sky1-Linux/sky1-live-build/internal/loopback"
	"github.com/Sky1-Linux/sky1-live-build/internal/mount"
	"github.com/Sky1-Linux/sky1-live-build/internal/osexec"
	"github.com/Sky1-Linux/sky1-live-build/internal/populate"
	"github.com/Sky1-Linux/sky1-live-build/internal/transform"
)

// Options tunes a single build invocation.
type Options struct {
	// SkipCompression leaves the raw .img instead of producing .img.xz;
	// useful while iterating, compression dominates the build time.
	SkipCompression bool
	// Clean removes previous artifacts of the same request first.
	Clean bool

	// Runner and Mounter default to the real host implementations.
	Runner  osexec.Runner
	Mounter mount.Mounter
	// Now defaults to time.Now; the build date is part of the artifact name.
	Now func() time.Time
}

// overridable in tests, the pipeline needs root for loop devices and mounts
var geteuid = unix.Geteuid

// Build produces a disk image for the request and returns the artifact path.
func Build(cfg buildconf.Config, req buildrequest.Request, opts Options) (path string, err error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if geteuid() != 0 {
		return "", fmt.Errorf("image builds need root privileges (loop devices, mounts, chroot)")
	}
	if opts.Runner == nil {
		opts.Runner = osexec.New()
	}
	if opts.Mounter == nil {
		opts.Mounter = mount.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	chrootDir := cfg.ChrootDir(req.Desktop)
	if _, err := os.Stat(chrootDir); err != nil {
		return "", fmt.Errorf("chroot for desktop %s not found at %s: %w", req.Desktop, chrootDir, err)
	}

	if opts.Clean {
		if err := Clean(cfg, req); err != nil {
			return "", err
		}
	}
	for _, dir := range []string{cfg.WorkDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}

	stack := &cleanupStack{}
	defer stack.run()
	unbind := stack.bindSignals()
	defer unbind()

	name := req.ArtifactName(opts.Now())
	imgPath := filepath.Join(cfg.WorkDir, name)
	logrus.Infof("building %s", name)

	plan, err := disk.NewPlan(cfg.ESPSizeMiB, uuid.New(), newESPSerial())
	if err != nil {
		return "", err
	}

	if err := loopback.CreateBackingFile(imgPath, req.SizeGB); err != nil {
		return "", err
	}
	built := false
	stack.push("remove partial image", func() error {
		if built {
			return nil
		}
		return os.Remove(imgPath)
	})

	if err := loopback.Partition(opts.Runner, imgPath, plan); err != nil {
		return "", err
	}

	dev, err := loopback.Attach(opts.Runner, imgPath)
	if err != nil {
		return "", err
	}
	stack.push("detach loop device", dev.Detach)

	if err := populate.Format(opts.Runner, dev.PartPaths[0], dev.PartPaths[1], plan); err != nil {
		return "", err
	}

	target, err := populate.MountTarget(opts.Mounter, dev.PartPaths[0], dev.PartPaths[1], cfg.WorkDir)
	if err != nil {
		return "", err
	}
	stack.push("remove mount root", func() error {
		return os.Remove(target.Dir)
	})
	stack.push("unmount target", target.Unmount)

	if err := populate.CopyChroot(opts.Runner, chrootDir, target); err != nil {
		return "", err
	}

	// transform unmounts its binds on every return path, but an interrupt
	// bypasses that; the stack entry is an idempotent no-op afterwards
	ch := chroot.New(target.Dir, opts.Runner, opts.Mounter)
	stack.push("unmount chroot binds", ch.UnmountBinds)

	tr := transform.New(ch, opts.Runner, req, cfg.OverlayDir)
	if err := tr.Run(); err != nil {
		return "", err
	}

	kernel, err := bootconf.Apply(target.Dir, target.ESPDir(), plan, req.Track)
	if err != nil {
		return "", err
	}
	logrus.Infof("boot configuration written for kernel %s", kernel.Version)

	if err := identity.ScrubMachineID(target.Dir); err != nil {
		return "", err
	}
	if err := identity.ScrubSSHHostKeys(target.Dir); err != nil {
		return "", err
	}

	// release explicitly so a failure surfaces as a build error instead of
	// a cleanup warning; the stack entries are idempotent no-ops afterwards
	if err := target.Unmount(); err != nil {
		return "", err
	}
	if err := dev.Detach(); err != nil {
		return "", err
	}

	out := filepath.Join(cfg.OutputDir, name)
	if opts.SkipCompression {
		if err := moveFile(imgPath, out); err != nil {
			return "", err
		}
	} else {
		out += ".xz"
		logrus.Infof("compressing to %s", out)
		if err := compress(imgPath, out); err != nil {
			return "", err
		}
		if err := os.Remove(imgPath); err != nil {
			logrus.Warnf("removing raw image: %v", err)
		}
	}

	built = true
	logrus.Infof("built %s", out)
	return out, nil
}

// Clean removes previously built artifacts of the same desktop/loadout/track
// combination from the work and output directories.
func Clean(cfg buildconf.Config, req buildrequest.Request) error {
	pattern := fmt.Sprintf("sky1-%s-%s-%s-*.img*", req.Desktop, req.Loadout, req.Track)
	for _, dir := range []string{cfg.WorkDir, cfg.OutputDir} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return err
		}
		for _, m := range matches {
			logrus.Infof("removing %s", m)
			if err := os.Remove(m); err != nil {
				return err
			}
		}
	}
	return nil
}

// newESPSerial returns a random FAT32 volume serial (8 hex digits).
func newESPSerial() string {
	u := uuid.New()
	return fmt.Sprintf("%08X", binary.BigEndian.Uint32(u[:4]))
}

func compress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	w, err := xz.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		out.Close()
		return fmt.Errorf("compressing %s: %w", src, err)
	}
	if err := w.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// moveFile renames src to dst, falling back to copy+remove when the two
// directories live on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// Package transform converts the populated "live" filesystem tree into an
// "installed" system: live-only packages and artifacts go away, disk-image
// packages and the desktop's first-boot wizard come in, and the first-boot
// service is armed.
//
// Each step carries an explicit policy: fatal steps abort the build,
// best-effort steps are logged and skipped, because the things they remove
// may legitimately be absent already.
package transform

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/Sky1-Linux/sky1-live-build/internal/apt"
	"github.com/Sky1-Linux/sky1-live-build/internal/buildrequest"
	"github.com/Sky1-Linux/sky1-live-build/internal/chroot"
	"github.com/Sky1-Linux/sky1-live-build/internal/osexec"
)

// livePackages exist only on the live medium: live-session boot/config
// tooling and the graphical installer.
var livePackages = []string{
	"live-boot",
	"live-config",
	"live-tools",
	"calamares",
	"calamares-settings-sky1",
	"sky1-live-config",
}

// diskPackages are needed on installed systems only; the first two are what
// the stage-1 provisioner uses to grow the root partition.
var diskPackages = []string{"cloud-guest-utils", "gdisk"}

// liveUser is the autologin account of the live session.
const liveUser = "sky1"

type Transformer struct {
	Chroot  *chroot.Chroot
	Apt     *apt.Apt
	Runner  osexec.Runner
	Request buildrequest.Request
	// OverlayDir is applied on top of the tree; empty or missing means no
	// overlay.
	OverlayDir string
}

func New(c *chroot.Chroot, runner osexec.Runner, req buildrequest.Request, overlayDir string) *Transformer {
	return &Transformer{
		Chroot:     c,
		Apt:        apt.New(c),
		Runner:     runner,
		Request:    req,
		OverlayDir: overlayDir,
	}
}

type step struct {
	name  string
	fatal bool
	run   func() error
}

func (t *Transformer) steps() []step {
	return []step{
		{"remove live packages", false, t.removeLivePackages},
		{"refresh package indices", true, t.Apt.Update},
		{"switch kernel track", true, t.switchKernelTrack},
		{"install disk packages", true, t.installDiskPackages},
		{"remove live user", false, t.removeLiveUser},
		{"remove live artifacts", false, t.removeLiveArtifacts},
		{"remove wizard markers", false, t.removeWizardMarkers},
		{"apply disk overlay", true, t.applyOverlay},
		{"refresh dconf database", false, t.refreshDconf},
		{"enable first-boot service", true, t.enableFirstBoot},
	}
}

// Run executes the transformation inside the bind-mounted target. Bind
// mounts are removed in reverse order before returning, on success and on
// failure; they must be gone before the loop device can be detached.
func (t *Transformer) Run() (err error) {
	if err := t.Chroot.BindMounts(); err != nil {
		return err
	}
	defer func() {
		if uerr := t.Chroot.UnmountBinds(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	for _, s := range t.steps() {
		logrus.Infof("transform: %s", s.name)
		if serr := s.run(); serr != nil {
			if s.fatal {
				return fmt.Errorf("%s: %w", s.name, serr)
			}
			logrus.Warnf("%s (continuing): %v", s.name, serr)
		}
	}
	return nil
}

func (t *Transformer) removeLivePackages() error {
	return t.Apt.Remove(true, livePackages...)
}

// switchKernelTrack leaves exactly the requested track's kernel meta package
// installed. Meta packages from two tracks must never coexist.
func (t *Transformer) switchKernelTrack() error {
	track := t.Request.Track
	if err := t.Apt.Install(track.MetaPackage()); err != nil {
		return err
	}
	if err := t.Apt.Remove(true, track.OtherMetaPackages()...); err != nil {
		return err
	}
	if err := t.Apt.DistUpgrade(); err != nil {
		return err
	}
	return t.Apt.AutoRemove()
}

func (t *Transformer) installDiskPackages() error {
	pkgs := append([]string{}, diskPackages...)
	if wizard := t.Request.Desktop.FirstBootWizard(); wizard != "" {
		pkgs = append(pkgs, wizard)
	}
	return t.Apt.Install(pkgs...)
}

func (t *Transformer) removeLiveUser() error {
	_, err := t.Chroot.Run("deluser", "--remove-home", liveUser)
	return err
}

// removeLiveArtifacts deletes the files that only make sense in a live
// session: the installer shortcut, the live prompt marker and live-config
// state.
func (t *Transformer) removeLiveArtifacts() error {
	root := t.Chroot.Root

	paths := []string{
		filepath.Join(root, "etc/profile.d/zz-live-prompt.sh"),
		filepath.Join(root, "etc/skel/Desktop/install-sky1.desktop"),
	}
	if homes, err := filepath.Glob(filepath.Join(root, "home/*/Desktop/install-sky1.desktop")); err == nil {
		paths = append(paths, homes...)
	}

	var firstErr error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if err := os.RemoveAll(filepath.Join(root, "etc/live")); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// removeWizardMarkers clears "setup already done" markers left behind by
// building the live environment, so the wizard actually runs on the
// installed system.
func (t *Transformer) removeWizardMarkers() error {
	root := t.Chroot.Root

	paths := []string{
		filepath.Join(root, "etc/skel/.config/gnome-initial-setup-done"),
		filepath.Join(root, "var/lib/plasma-setup/done"),
	}
	if homes, err := filepath.Glob(filepath.Join(root, "home/*/.config/gnome-initial-setup-done")); err == nil {
		paths = append(paths, homes...)
	}

	var firstErr error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// applyOverlay copies the disk-image overlay on top of the populated tree;
// overlay files win over chroot content.
func (t *Transformer) applyOverlay() error {
	if t.OverlayDir == "" {
		return nil
	}
	if _, err := os.Stat(t.OverlayDir); os.IsNotExist(err) {
		logrus.Debugf("no disk overlay at %s", t.OverlayDir)
		return nil
	}
	_, err := t.Runner.Run("rsync", "--archive", t.OverlayDir+"/", t.Chroot.Root+"/")
	return err
}

func (t *Transformer) refreshDconf() error {
	_, err := t.Chroot.Run("dconf", "update")
	return err
}

func (t *Transformer) enableFirstBoot() error {
	_, err := t.Chroot.Run("systemctl", "enable", "sky1-firstboot.service")
	return err
}

// Package firstboot implements the stage-1 provisioner that runs once on the
// first boot of a flashed image: it grows the root filesystem to the real
// medium, regenerates the identities that were scrubbed at build time, prunes
// the boot menu to the detected board and applies the optional preseed file
// from the ESP.
package firstboot

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sky1-Linux/sky1-live-build/internal/board"
	"github.com/Sky1-Linux/sky1-live-build/internal/grubcfg"
	"github.com/Sky1-Linux/sky1-live-build/internal/identity"
	"github.com/Sky1-Linux/sky1-live-build/internal/osexec"
)

const (
	// markerPath guards against re-provisioning; its presence means a
	// completed (or at least attempted-to-completion) first boot.
	markerPath = "var/lib/sky1/firstboot-done"

	espGrubConfig = "boot/efi/EFI/sky1/grub.cfg"
)

// Provisioner runs the first-boot steps against a root directory. Root is "/"
// in production; tests point it at a scratch tree.
type Provisioner struct {
	Root   string
	Runner osexec.Runner
}

func New(root string, runner osexec.Runner) *Provisioner {
	return &Provisioner{Root: root, Runner: runner}
}

// Run executes the provisioning sequence. Every step is best-effort except
// writing the completion marker: a half-provisioned system is preferable to
// one that re-runs destructive steps on every boot, so errors are logged and
// the next step runs anyway. If the marker cannot be written the guard would
// not hold on reboot, and Run fails.
func (p *Provisioner) Run() error {
	if _, err := os.Stat(filepath.Join(p.Root, markerPath)); err == nil {
		logrus.Info("first boot already completed, nothing to do")
		return nil
	}

	for _, s := range []struct {
		name string
		run  func() error
	}{
		{"grow root filesystem", p.growRoot},
		{"regenerate machine-id", p.regenMachineID},
		{"regenerate ssh host keys", p.regenSSHHostKeys},
		{"prune boot menu", p.pruneBootMenu},
		{"apply preseed", p.applyPreconfig},
	} {
		logrus.Infof("firstboot: %s", s.name)
		if err := s.run(); err != nil {
			logrus.Warnf("%s: %v", s.name, err)
		}
	}

	return p.writeMarker()
}

// growRoot expands the root partition and filesystem to the full medium. The
// image is always smaller than the card or disk it was written to.
func (p *Provisioner) growRoot() error {
	dev, err := rootDevice(filepath.Join(p.Root, "proc/self/mounts"))
	if err != nil {
		return err
	}
	disk, part, err := splitPartition(dev)
	if err != nil {
		return err
	}
	if _, err := p.Runner.Run("growpart", disk, strconv.Itoa(part)); err != nil {
		// growpart exits non-zero when there is nothing to grow; the
		// resize below is harmless either way.
		logrus.Debugf("growpart %s %d: %v", disk, part, err)
	}
	if _, err := p.Runner.Run("resize2fs", dev); err != nil {
		return fmt.Errorf("resizing %s: %w", dev, err)
	}
	return nil
}

// rootDevice returns the block device mounted on / according to the given
// mounts file (normally /proc/self/mounts).
func rootDevice(mountsPath string) (string, error) {
	data, err := os.ReadFile(mountsPath)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "/" && strings.HasPrefix(fields[0], "/dev/") {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("no /dev/* device mounted on / in %s", mountsPath)
}

// splitPartition splits a partition device into its parent disk and partition
// number, handling both sda2-style and nvme0n1p2/mmcblk0p2-style names.
func splitPartition(dev string) (string, int, error) {
	i := len(dev)
	for i > 0 && dev[i-1] >= '0' && dev[i-1] <= '9' {
		i--
	}
	if i == len(dev) {
		return "", 0, fmt.Errorf("%s does not name a partition", dev)
	}
	num, err := strconv.Atoi(dev[i:])
	if err != nil {
		return "", 0, err
	}
	disk := dev[:i]
	// nvme0n1p2 → nvme0n1, mmcblk0p2 → mmcblk0
	if strings.HasSuffix(disk, "p") && len(disk) > 1 && disk[len(disk)-2] >= '0' && disk[len(disk)-2] <= '9' {
		disk = disk[:len(disk)-1]
	}
	return disk, num, nil
}

func (p *Provisioner) regenMachineID() error {
	if err := identity.ScrubMachineID(p.Root); err != nil {
		return err
	}
	if _, err := p.Runner.Run("systemd-machine-id-setup"); err != nil {
		return err
	}
	dbusID := filepath.Join(p.Root, "var/lib/dbus/machine-id")
	if _, err := os.Lstat(dbusID); os.IsNotExist(err) {
		return os.Symlink("/etc/machine-id", dbusID)
	}
	return nil
}

func (p *Provisioner) regenSSHHostKeys() error {
	if err := identity.ScrubSSHHostKeys(p.Root); err != nil {
		return err
	}
	if _, err := p.Runner.Run("dpkg-reconfigure", "--frontend=noninteractive", "openssh-server"); err == nil {
		return nil
	}
	// openssh-server may not be installed as a deb hook target
	_, err := p.Runner.Run("ssh-keygen", "-A")
	return err
}

// pruneBootMenu detects the running board from the device tree and removes
// the other variants' menu entries from the ESP grub.cfg. An unrecognized
// board keeps the full menu.
func (p *Provisioner) pruneBootMenu() error {
	compatible, err := os.ReadFile(filepath.Join(p.Root, "proc/device-tree/compatible"))
	if err != nil {
		return fmt.Errorf("reading device tree compatible: %w", err)
	}
	detected, ok := board.Detect(string(compatible))
	if !ok {
		logrus.Warnf("unknown board %q, keeping full boot menu", strings.ReplaceAll(string(compatible), "\x00", " "))
		return nil
	}
	logrus.Infof("detected board %s", detected.Name)

	cfgPath := filepath.Join(p.Root, espGrubConfig)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return fmt.Errorf("reading boot menu: %w", err)
	}
	if err := os.WriteFile(cfgPath+".orig", data, 0o644); err != nil {
		return fmt.Errorf("backing up boot menu: %w", err)
	}

	cfg, err := grubcfg.Parse(strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	removed := cfg.FilterEntries(func(b grubcfg.Block) bool {
		for _, other := range board.All() {
			if other.Name != detected.Name && strings.Contains(b.Body, other.DTB) {
				return false
			}
		}
		return true
	})
	logrus.Infof("pruned %d boot entries", removed)
	return os.WriteFile(cfgPath, []byte(cfg.String()), 0o644)
}

func (p *Provisioner) writeMarker() error {
	path := filepath.Join(p.Root, markerPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("writing completion marker: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("writing completion marker: %w", err)
	}
	return nil
}

// Package bootconf makes the populated image bootable: it writes the fstab,
// installs the GRUB EFI binary, resolves the kernel for the requested
// release track, harvests the device-tree blobs for every supported board
// and generates the bootloader menu.
package bootconf

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"

	"github.com/sirupsen/logrus"

	"github.com/Sky1-Linux/sky1-live-build/internal/board"
	"github.com/Sky1-Linux/sky1-live-build/internal/buildrequest"
	"github.com/Sky1-Linux/sky1-live-build/internal/disk"
)

//go:embed templates/grub.cfg
var grubTemplate string

// grubSourcePath is where the monolithic GRUB build lives inside the chroot.
const grubSourcePath = "usr/lib/grub/arm64-efi/monolithic/grubaa64.efi"

// Apply performs the whole boot configuration for the mounted target: root
// filesystem at rootDir, ESP at espDir.
func Apply(rootDir, espDir string, plan disk.Plan, track buildrequest.Track) (Kernel, error) {
	if err := WriteFstab(rootDir, plan); err != nil {
		return Kernel{}, err
	}
	if err := InstallGrubBinary(rootDir, espDir); err != nil {
		return Kernel{}, err
	}
	kernel, err := ResolveKernel(rootDir, track)
	if err != nil {
		return Kernel{}, err
	}
	if err := CopyDTBs(rootDir, kernel); err != nil {
		return Kernel{}, err
	}
	if err := WriteGrubConfig(espDir, plan, kernel); err != nil {
		return Kernel{}, err
	}
	return kernel, nil
}

func WriteFstab(rootDir string, plan disk.Plan) error {
	path := filepath.Join(rootDir, "etc", "fstab")
	if err := os.WriteFile(path, []byte(plan.Fstab()), 0o644); err != nil {
		return fmt.Errorf("writing fstab: %w", err)
	}
	return nil
}

// InstallGrubBinary copies the pre-built bootloader to the two paths EFI
// firmware looks at: the removable-media fallback and the vendor directory.
func InstallGrubBinary(rootDir, espDir string) error {
	src := filepath.Join(rootDir, grubSourcePath)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("GRUB EFI binary missing from chroot: %w", err)
	}

	for _, dst := range []string{
		filepath.Join(espDir, "EFI", "BOOT", "BOOTAA64.EFI"),
		filepath.Join(espDir, "EFI", "sky1", "grubaa64.efi"),
	} {
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("installing GRUB to %s: %w", dst, err)
		}
	}
	return nil
}

// CopyDTBs collects the device-tree blobs of all supported boards from the
// kernel package into /boot/dtbs/<version>/. A board whose blob is missing
// is logged and skipped: the menu entry for it simply won't boot, and first
// boot prunes it anyway.
func CopyDTBs(rootDir string, kernel Kernel) error {
	srcDir := filepath.Join(rootDir, "usr", "lib", "linux-image-"+kernel.Version)
	dstDir := filepath.Join(rootDir, "boot", "dtbs", kernel.Version)

	for _, b := range board.All() {
		src := filepath.Join(srcDir, b.DTB)
		if _, err := os.Stat(src); err != nil {
			logrus.Warnf("no device tree for %s (%s), skipping", b.Name, src)
			continue
		}
		if err := copyFile(src, filepath.Join(dstDir, b.DTB)); err != nil {
			return fmt.Errorf("copying device tree for %s: %w", b.Name, err)
		}
	}
	return nil
}

type grubData struct {
	Boards        []board.Board
	RootUUID      string
	KernelImage   string
	InitrdImage   string
	KernelVersion string
	Cmdline       string
}

// Cmdline returns the kernel command line shared by all menu entries.
func Cmdline(plan disk.Plan) string {
	return fmt.Sprintf("console=ttyAMA0,115200 console=tty1 efifb=on acpi=off root=UUID=%s rw rootwait", plan.RootUUID)
}

// WriteGrubConfig generates the boot menu: one entry per supported board,
// identical command lines, no default entry and an infinite timeout, since
// the real hardware is unknown until first boot.
func WriteGrubConfig(espDir string, plan disk.Plan, kernel Kernel) error {
	tmpl, err := template.New("grub.cfg").Parse(grubTemplate)
	if err != nil {
		return fmt.Errorf("parsing grub template: %w", err)
	}

	path := filepath.Join(espDir, "EFI", "sky1", "grub.cfg")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	data := grubData{
		Boards:        board.All(),
		RootUUID:      plan.RootUUID.String(),
		KernelImage:   kernel.Image,
		InitrdImage:   kernel.Initrd,
		KernelVersion: kernel.Version,
		Cmdline:       Cmdline(plan),
	}
	if err := tmpl.Execute(f, data); err != nil {
		f.Close()
		return fmt.Errorf("rendering grub config: %w", err)
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

package bootconf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	goversion "github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"

	"github.com/Sky1-Linux/sky1-live-build/internal/buildrequest"
)

// Kernel is the boot artifact set resolved for a release track.
type Kernel struct {
	// Version is the kernel release string, e.g. "6.12.9-sky1".
	Version string
	// Image and Initrd are file names under /boot.
	Image  string
	Initrd string
}

// ResolveKernel picks the kernel for the requested track: the track's glob is
// matched against the image files in <root>/boot and the highest version
// wins. No match is fatal; a silently substituted kernel from another track
// would boot the wrong ABI or none at all. A missing initrd for the selected
// kernel is equally fatal because it indicates a broken package installation
// and the image would be unbootable.
func ResolveKernel(rootDir string, track buildrequest.Track) (Kernel, error) {
	bootDir := filepath.Join(rootDir, "boot")
	entries, err := os.ReadDir(bootDir)
	if err != nil {
		return Kernel{}, fmt.Errorf("reading %s: %w", bootDir, err)
	}

	pattern := glob.MustCompile(track.KernelPattern())

	var best Kernel
	var bestVersion *goversion.Version
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !pattern.Match(name) {
			continue
		}
		release := strings.TrimPrefix(name, "vmlinuz-")
		v, err := goversion.NewVersion(release)
		if err != nil {
			logrus.Warnf("skipping kernel image %s: unparseable version: %v", name, err)
			continue
		}
		if bestVersion == nil || v.GreaterThan(bestVersion) {
			bestVersion = v
			best = Kernel{Version: release, Image: name, Initrd: "initrd.img-" + release}
		}
	}

	if bestVersion == nil {
		return Kernel{}, fmt.Errorf("no kernel image matching %q in %s: track %s packages are not installed", track.KernelPattern(), bootDir, track)
	}

	if _, err := os.Stat(filepath.Join(bootDir, best.Initrd)); err != nil {
		return Kernel{}, fmt.Errorf("kernel %s has no initrd (%s): broken package installation", best.Version, best.Initrd)
	}

	logrus.Infof("selected kernel %s for track %s", best.Version, track)
	return best, nil
}

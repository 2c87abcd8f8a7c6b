// Package buildconf loads the host-side configuration of the image build
// pipeline. Every field has a default, so running without a config file is
// supported.
package buildconf

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/Sky1-Linux/sky1-live-build/internal/buildrequest"
)

const DefaultPath = "/etc/sky1/image-build.toml"

type Config struct {
	// ChrootBaseDir holds one populated root filesystem tree per desktop,
	// produced by the live-build stage.
	ChrootBaseDir string `toml:"chroot_base_dir"`
	// WorkDir is where backing files and mount points are created.
	WorkDir string `toml:"work_dir"`
	// OutputDir receives the finished image artifacts.
	OutputDir string `toml:"output_dir"`
	// OverlayDir is applied on top of the populated tree; files here win
	// over anything copied from the chroot.
	OverlayDir string `toml:"overlay_dir"`
	// ESPSizeMiB is the size of the EFI System Partition.
	ESPSizeMiB uint64 `toml:"esp_size_mib"`
	// DefaultSizeGB is the image size used when the request does not set one.
	DefaultSizeGB uint64 `toml:"default_size_gb"`
}

func defaults() Config {
	return Config{
		ChrootBaseDir: "/var/lib/sky1/chroots",
		WorkDir:       "/var/lib/sky1/work",
		OutputDir:     "/var/lib/sky1/images",
		OverlayDir:    "/usr/share/sky1-live-build/overlay-disk",
		ESPSizeMiB:    512,
		DefaultSizeGB: 8,
	}
}

// Load reads the TOML config at path. A missing file yields the defaults; a
// present but malformed file is an error.
func Load(path string) (Config, error) {
	cfg := defaults()

	meta, err := toml.DecodeFile(path, &cfg)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown key %q in config %s", undecoded[0].String(), path)
	}
	return cfg, nil
}

// ChrootDir returns the source tree for the given desktop. Each desktop owns
// an isolated tree so package sets never cross-contaminate.
func (c Config) ChrootDir(desktop buildrequest.Desktop) string {
	return filepath.Join(c.ChrootBaseDir, string(desktop))
}

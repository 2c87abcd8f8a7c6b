package buildconf_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sky1-Linux/sky1-live-build/internal/buildconf"
	"github.com/Sky1-Linux/sky1-live-build/internal/buildrequest"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := buildconf.Load(filepath.Join(t.TempDir(), "no-such-file.toml"))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sky1/chroots", cfg.ChrootBaseDir)
	assert.Equal(t, uint64(512), cfg.ESPSizeMiB)
	assert.Equal(t, uint64(8), cfg.DefaultSizeGB)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image-build.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
chroot_base_dir = "/srv/chroots"
esp_size_mib = 256
`), 0o644))

	cfg, err := buildconf.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/chroots", cfg.ChrootBaseDir)
	assert.Equal(t, uint64(256), cfg.ESPSizeMiB)
	// untouched fields keep their defaults
	assert.Equal(t, "/var/lib/sky1/images", cfg.OutputDir)

	assert.Equal(t, "/srv/chroots/kde", cfg.ChrootDir(buildrequest.DesktopKDE))
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image-build.toml")
	require.NoError(t, os.WriteFile(path, []byte("chroot_dir = \"/srv\"\n"), 0o644))

	_, err := buildconf.Load(path)
	assert.ErrorContains(t, err, "unknown key")
}

package imagebuild

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/Sky1-Linux/sky1-live-build/internal/buildconf"
	"github.com/Sky1-Linux/sky1-live-build/internal/buildrequest"
	"github.com/Sky1-Linux/sky1-live-build/internal/disk"

	"github.com/google/uuid"
)

func testRequest() buildrequest.Request {
	return buildrequest.Request{
		Desktop: buildrequest.DesktopGnome,
		Loadout: buildrequest.LoadoutDesktop,
		Track:   buildrequest.TrackMain,
		SizeGB:  8,
	}
}

func TestCleanupStackRunsInReverse(t *testing.T) {
	var order []string
	s := &cleanupStack{}
	s.push("first", func() error { order = append(order, "first"); return nil })
	s.push("second", func() error { order = append(order, "second"); return nil })
	s.push("third", func() error { order = append(order, "third"); return nil })

	s.run()
	assert.Equal(t, []string{"third", "second", "first"}, order)

	// a second run finds an empty stack
	s.run()
	assert.Len(t, order, 3)
}

func TestCleanupStackContinuesPastErrors(t *testing.T) {
	var ran bool
	s := &cleanupStack{}
	s.push("bottom", func() error { ran = true; return nil })
	s.push("top", func() error { return assert.AnError })

	s.run()
	assert.True(t, ran)
}

func TestCleanupUnmountsBeforeRemovingMountRoot(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sky1-root-x")
	require.NoError(t, os.Mkdir(target, 0o755))

	// same push order as Build: remove-dir below, unmount on top
	mounted := true
	s := &cleanupStack{}
	s.push("remove mount root", func() error {
		if mounted {
			return errors.New("device or resource busy")
		}
		return os.Remove(target)
	})
	s.push("unmount target", func() error { mounted = false; return nil })

	s.run()

	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestClean(t *testing.T) {
	cfg := buildconf.Config{
		WorkDir:   t.TempDir(),
		OutputDir: t.TempDir(),
	}
	keep := filepath.Join(cfg.OutputDir, "sky1-kde-desktop-main-20260801.img.xz")
	stale := filepath.Join(cfg.OutputDir, "sky1-gnome-desktop-main-20260801.img.xz")
	partial := filepath.Join(cfg.WorkDir, "sky1-gnome-desktop-main-20260812.img")
	for _, p := range []string{keep, stale, partial} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	require.NoError(t, Clean(cfg, testRequest()))

	_, err := os.Stat(keep)
	assert.NoError(t, err)
	for _, p := range []string{stale, partial} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
}

func TestBuildRequiresRoot(t *testing.T) {
	orig := geteuid
	geteuid = func() int { return 1000 }
	t.Cleanup(func() { geteuid = orig })

	_, err := Build(buildconf.Config{}, testRequest(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root")
}

func TestBuildRejectsMissingChroot(t *testing.T) {
	orig := geteuid
	geteuid = func() int { return 0 }
	t.Cleanup(func() { geteuid = orig })

	cfg := buildconf.Config{ChrootBaseDir: filepath.Join(t.TempDir(), "chroots")}
	_, err := Build(cfg, testRequest(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chroot for desktop gnome")
}

func TestBuildRejectsInvalidRequest(t *testing.T) {
	req := testRequest()
	req.Track = "nightly"
	_, err := Build(buildconf.Config{}, req, Options{})
	assert.Error(t, err)
}

func TestNewESPSerial(t *testing.T) {
	serial := newESPSerial()
	require.Len(t, serial, 8)

	// a valid serial is accepted by the partition plan
	_, err := disk.NewPlan(512, uuid.New(), serial)
	assert.NoError(t, err)
}

func TestCompressRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "image.img")
	dst := filepath.Join(dir, "image.img.xz")
	payload := bytes.Repeat([]byte("sky1"), 4096)
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	require.NoError(t, compress(src, dst))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	r, err := xz.NewReader(f)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	dst := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	require.NoError(t, moveFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

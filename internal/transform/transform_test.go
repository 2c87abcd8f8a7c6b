package transform

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sky1-Linux/sky1-live-build/internal/buildrequest"
	"github.com/Sky1-Linux/sky1-live-build/internal/chroot"
	"github.com/Sky1-Linux/sky1-live-build/internal/mount"
	"github.com/Sky1-Linux/sky1-live-build/internal/osexec"
)

// failingRunner records like osexec.Recorder but fails any command whose
// command line contains failOn.
type failingRunner struct {
	rec    osexec.Recorder
	failOn string
}

func (f *failingRunner) Run(name string, args ...string) ([]byte, error) {
	return f.RunEnv(nil, name, args...)
}

func (f *failingRunner) RunInput(stdin []byte, name string, args ...string) ([]byte, error) {
	return f.RunEnv(nil, name, args...)
}

func (f *failingRunner) RunEnv(env []string, name string, args ...string) ([]byte, error) {
	out, err := f.rec.RunEnv(env, name, args...)
	line := osexec.Call{Name: name, Args: args}.String()
	if f.failOn != "" && strings.Contains(line, f.failOn) {
		return nil, errors.New("exit status 1")
	}
	return out, err
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func newTransformer(t *testing.T, track buildrequest.Track, runner osexec.Runner, overlay string) (*Transformer, *mount.Recorder, string) {
	t.Helper()
	root := t.TempDir()
	mounter := &mount.Recorder{}
	req := buildrequest.Request{
		Desktop: buildrequest.DesktopGnome,
		Loadout: buildrequest.LoadoutDesktop,
		Track:   track,
		SizeGB:  8,
	}
	c := chroot.New(root, runner, mounter)
	return New(c, runner, req, overlay), mounter, root
}

func TestRunSequence(t *testing.T) {
	runner := &osexec.Recorder{}
	overlay := t.TempDir()
	touch(t, filepath.Join(overlay, "etc/motd"))

	tr, mounter, root := newTransformer(t, buildrequest.TrackRC, runner, overlay)

	touch(t, filepath.Join(root, "etc/profile.d/zz-live-prompt.sh"))
	touch(t, filepath.Join(root, "etc/skel/Desktop/install-sky1.desktop"))
	touch(t, filepath.Join(root, "home/sky1/Desktop/install-sky1.desktop"))
	touch(t, filepath.Join(root, "etc/live/config.conf"))
	touch(t, filepath.Join(root, "etc/skel/.config/gnome-initial-setup-done"))
	touch(t, filepath.Join(root, "home/sky1/.config/gnome-initial-setup-done"))
	touch(t, filepath.Join(root, "var/lib/plasma-setup/done"))

	require.NoError(t, tr.Run())

	want := []string{
		"chroot " + root + " apt-get purge -y live-boot live-config live-tools calamares calamares-settings-sky1 sky1-live-config",
		"chroot " + root + " apt-get update",
		"chroot " + root + " apt-get install -y --no-install-recommends linux-sky1-rc",
		"chroot " + root + " apt-get purge -y linux-sky1 linux-sky1-latest linux-sky1-next",
		"chroot " + root + " apt-get dist-upgrade -y",
		"chroot " + root + " apt-get autoremove -y --purge",
		"chroot " + root + " apt-get install -y --no-install-recommends cloud-guest-utils gdisk gnome-initial-setup",
		"chroot " + root + " deluser --remove-home sky1",
		"rsync --archive " + overlay + "/ " + root + "/",
		"chroot " + root + " dconf update",
		"chroot " + root + " systemctl enable sky1-firstboot.service",
	}
	assert.Equal(t, want, runner.CommandLines())

	// live artifacts and wizard markers are gone
	for _, p := range []string{
		"etc/profile.d/zz-live-prompt.sh",
		"etc/skel/Desktop/install-sky1.desktop",
		"home/sky1/Desktop/install-sky1.desktop",
		"etc/live",
		"etc/skel/.config/gnome-initial-setup-done",
		"home/sky1/.config/gnome-initial-setup-done",
		"var/lib/plasma-setup/done",
	} {
		_, err := os.Stat(filepath.Join(root, p))
		assert.True(t, os.IsNotExist(err), "%s should have been removed", p)
	}

	// binds mounted and unmounted in reverse
	assert.Equal(t, []string{
		filepath.Join(root, "dev"),
		filepath.Join(root, "proc"),
		filepath.Join(root, "sys"),
	}, mounter.Mounts)
	assert.Equal(t, []string{
		filepath.Join(root, "sys"),
		filepath.Join(root, "proc"),
		filepath.Join(root, "dev"),
	}, mounter.Unmounts)
}

func TestBestEffortStepContinues(t *testing.T) {
	runner := &failingRunner{failOn: "deluser"}
	tr, _, _ := newTransformer(t, buildrequest.TrackMain, runner, "")

	require.NoError(t, tr.Run())

	lines := strings.Join(runner.rec.CommandLines(), "\n")
	assert.Contains(t, lines, "systemctl enable sky1-firstboot.service")
}

func TestFatalStepAborts(t *testing.T) {
	runner := &failingRunner{failOn: "apt-get update"}
	tr, mounter, root := newTransformer(t, buildrequest.TrackMain, runner, "")

	err := tr.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh package indices")

	lines := strings.Join(runner.rec.CommandLines(), "\n")
	assert.NotContains(t, lines, "systemctl enable")

	// binds come down even on failure
	assert.Equal(t, []string{
		filepath.Join(root, "sys"),
		filepath.Join(root, "proc"),
		filepath.Join(root, "dev"),
	}, mounter.Unmounts)
}

func TestUnmountBindsIdempotentAfterRun(t *testing.T) {
	runner := &osexec.Recorder{}
	root := t.TempDir()
	mounter := &mount.Recorder{}
	ch := chroot.New(root, runner, mounter)
	req := buildrequest.Request{
		Desktop: buildrequest.DesktopGnome,
		Loadout: buildrequest.LoadoutDesktop,
		Track:   buildrequest.TrackMain,
		SizeGB:  8,
	}

	require.NoError(t, New(ch, runner, req, "").Run())
	require.Len(t, mounter.Unmounts, 3)

	// an interrupted build releases the binds through a cleanup entry
	// after Run already took them down; that must be a no-op
	require.NoError(t, ch.UnmountBinds())
	assert.Len(t, mounter.Unmounts, 3)
}

func TestMissingOverlaySkipped(t *testing.T) {
	runner := &osexec.Recorder{}
	tr, _, _ := newTransformer(t, buildrequest.TrackMain, runner, "/nonexistent/overlay")

	require.NoError(t, tr.Run())
	assert.NotContains(t, strings.Join(runner.CommandLines(), "\n"), "rsync")
}

func TestTrackIsolation(t *testing.T) {
	runner := &osexec.Recorder{}
	tr, _, _ := newTransformer(t, buildrequest.TrackNext, runner, "")

	require.NoError(t, tr.Run())

	var purge string
	for _, l := range runner.CommandLines() {
		if strings.Contains(l, "purge -y linux-sky1") {
			purge = l
		}
	}
	require.NotEmpty(t, purge)
	assert.Contains(t, purge, "linux-sky1 ")
	assert.Contains(t, purge, "linux-sky1-latest")
	assert.Contains(t, purge, "linux-sky1-rc")
	assert.NotContains(t, purge, "linux-sky1-next")
}
package buildrequest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sky1-Linux/sky1-live-build/internal/buildrequest"
)

func TestParseEnums(t *testing.T) {
	d, err := buildrequest.ParseDesktop("kde")
	require.NoError(t, err)
	assert.Equal(t, buildrequest.DesktopKDE, d)

	_, err = buildrequest.ParseDesktop("cinnamon")
	assert.ErrorContains(t, err, "unknown desktop environment")

	l, err := buildrequest.ParseLoadout("developer")
	require.NoError(t, err)
	assert.Equal(t, buildrequest.LoadoutDeveloper, l)

	_, err = buildrequest.ParseLoadout("")
	assert.Error(t, err)

	tr, err := buildrequest.ParseTrack("rc")
	require.NoError(t, err)
	assert.Equal(t, buildrequest.TrackRC, tr)

	// unknown tracks must not fall back to main
	_, err = buildrequest.ParseTrack("stable")
	assert.ErrorContains(t, err, "unknown release track")
}

func TestValidate(t *testing.T) {
	req := buildrequest.Request{
		Desktop: buildrequest.DesktopGnome,
		Loadout: buildrequest.LoadoutDesktop,
		Track:   buildrequest.TrackMain,
		SizeGB:  8,
	}
	assert.NoError(t, req.Validate())

	bad := req
	bad.Track = "nightly"
	assert.Error(t, bad.Validate())

	bad = req
	bad.SizeGB = 0
	assert.ErrorContains(t, bad.Validate(), "image size")
}

func TestArtifactNameDeterministic(t *testing.T) {
	req := buildrequest.Request{
		Desktop: buildrequest.DesktopXfce,
		Loadout: buildrequest.LoadoutMinimal,
		Track:   buildrequest.TrackNext,
		SizeGB:  8,
	}
	date := time.Date(2026, 8, 26, 14, 3, 0, 0, time.UTC)
	assert.Equal(t, "sky1-xfce-minimal-next-20260826.img", req.ArtifactName(date))
	// time of day must not influence the name
	assert.Equal(t, req.ArtifactName(date), req.ArtifactName(date.Add(5*time.Hour)))
}

func TestTrackKernelPattern(t *testing.T) {
	assert.Equal(t, "vmlinuz-*-sky1", buildrequest.TrackMain.KernelPattern())
	assert.Equal(t, "vmlinuz-*-sky1-rc", buildrequest.TrackRC.KernelPattern())
	assert.Equal(t, "linux-sky1", buildrequest.TrackMain.MetaPackage())
	assert.Equal(t, "linux-sky1-latest", buildrequest.TrackLatest.MetaPackage())
	assert.ElementsMatch(t,
		[]string{"linux-sky1", "linux-sky1-latest", "linux-sky1-next"},
		buildrequest.TrackRC.OtherMetaPackages())
}

func TestFirstBootWizard(t *testing.T) {
	assert.Equal(t, "gnome-initial-setup", buildrequest.DesktopGnome.FirstBootWizard())
	assert.Equal(t, "plasma-setup", buildrequest.DesktopKDE.FirstBootWizard())
	assert.Empty(t, buildrequest.DesktopXfce.FirstBootWizard())
	assert.Empty(t, buildrequest.DesktopNone.FirstBootWizard())
}

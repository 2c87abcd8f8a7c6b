// Package buildrequest defines the validated input of an image build: the
// desktop environment, the package loadout, the kernel release track and the
// target image size. Unknown values are rejected during parsing, they are
// never silently mapped to a default.
package buildrequest

import (
	"fmt"
	"time"
)

type Desktop string

const (
	DesktopGnome Desktop = "gnome"
	DesktopKDE   Desktop = "kde"
	DesktopXfce  Desktop = "xfce"
	DesktopNone  Desktop = "none"
)

type Loadout string

const (
	LoadoutMinimal   Loadout = "minimal"
	LoadoutDesktop   Loadout = "desktop"
	LoadoutServer    Loadout = "server"
	LoadoutDeveloper Loadout = "developer"
)

type Track string

const (
	TrackMain   Track = "main"
	TrackLatest Track = "latest"
	TrackRC     Track = "rc"
	TrackNext   Track = "next"
)

func ParseDesktop(s string) (Desktop, error) {
	switch Desktop(s) {
	case DesktopGnome, DesktopKDE, DesktopXfce, DesktopNone:
		return Desktop(s), nil
	}
	return "", fmt.Errorf("unknown desktop environment %q (expected gnome, kde, xfce or none)", s)
}

func ParseLoadout(s string) (Loadout, error) {
	switch Loadout(s) {
	case LoadoutMinimal, LoadoutDesktop, LoadoutServer, LoadoutDeveloper:
		return Loadout(s), nil
	}
	return "", fmt.Errorf("unknown package loadout %q (expected minimal, desktop, server or developer)", s)
}

func ParseTrack(s string) (Track, error) {
	switch Track(s) {
	case TrackMain, TrackLatest, TrackRC, TrackNext:
		return Track(s), nil
	}
	return "", fmt.Errorf("unknown release track %q (expected main, latest, rc or next)", s)
}

// KernelPattern returns the glob matched against the kernel image files in
// /boot. The main track uses the base naming scheme, every other track
// carries its name as a suffix.
func (t Track) KernelPattern() string {
	if t == TrackMain {
		return "vmlinuz-*-sky1"
	}
	return fmt.Sprintf("vmlinuz-*-sky1-%s", t)
}

// MetaPackage returns the kernel meta package that pins this track.
func (t Track) MetaPackage() string {
	if t == TrackMain {
		return "linux-sky1"
	}
	return fmt.Sprintf("linux-sky1-%s", t)
}

// OtherMetaPackages returns the meta packages of every other track. They are
// removed when this track is installed so that kernel sets from two tracks
// never coexist in one image.
func (t Track) OtherMetaPackages() []string {
	var others []string
	for _, o := range []Track{TrackMain, TrackLatest, TrackRC, TrackNext} {
		if o != t {
			others = append(others, o.MetaPackage())
		}
	}
	return others
}

// FirstBootWizard returns the graphical account-creation package installed
// into disk images for this desktop, or "" if the desktop ships none.
func (d Desktop) FirstBootWizard() string {
	switch d {
	case DesktopGnome:
		return "gnome-initial-setup"
	case DesktopKDE:
		return "plasma-setup"
	}
	return ""
}

// Request is the immutable input of a single image build.
type Request struct {
	Desktop Desktop
	Loadout Loadout
	Track   Track
	SizeGB  uint64
}

func (r Request) Validate() error {
	if _, err := ParseDesktop(string(r.Desktop)); err != nil {
		return err
	}
	if _, err := ParseLoadout(string(r.Loadout)); err != nil {
		return err
	}
	if _, err := ParseTrack(string(r.Track)); err != nil {
		return err
	}
	if r.SizeGB == 0 {
		return fmt.Errorf("image size must be at least 1 GB")
	}
	return nil
}

// ArtifactName returns the deterministic image file name for this request,
// stamped with the given build date. Compression appends its own suffix.
func (r Request) ArtifactName(date time.Time) string {
	return fmt.Sprintf("sky1-%s-%s-%s-%s.img", r.Desktop, r.Loadout, r.Track, date.Format("20060102"))
}

// Package apt drives the package manager inside the target chroot. It is the
// only consumer of the package repository: index refresh, install, remove,
// dist-upgrade and version/dependency queries.
package apt

import (
	"fmt"
	"strings"

	"github.com/Sky1-Linux/sky1-live-build/internal/chroot"
)

type Apt struct {
	c *chroot.Chroot
}

func New(c *chroot.Chroot) *Apt {
	return &Apt{c: c}
}

// Update refreshes the package indices.
func (a *Apt) Update() error {
	if _, err := a.c.Run("apt-get", "update"); err != nil {
		return fmt.Errorf("refreshing package indices: %w", err)
	}
	return nil
}

func (a *Apt) Install(pkgs ...string) error {
	args := append([]string{"install", "-y", "--no-install-recommends"}, pkgs...)
	if _, err := a.c.Run("apt-get", args...); err != nil {
		return fmt.Errorf("installing %s: %w", strings.Join(pkgs, " "), err)
	}
	return nil
}

// Remove removes the packages; with purge their configuration is deleted
// too. Already-absent packages are not an error for apt-get.
func (a *Apt) Remove(purge bool, pkgs ...string) error {
	op := "remove"
	if purge {
		op = "purge"
	}
	args := append([]string{op, "-y"}, pkgs...)
	if _, err := a.c.Run("apt-get", args...); err != nil {
		return fmt.Errorf("removing %s: %w", strings.Join(pkgs, " "), err)
	}
	return nil
}

func (a *Apt) DistUpgrade() error {
	if _, err := a.c.Run("apt-get", "dist-upgrade", "-y"); err != nil {
		return fmt.Errorf("dist-upgrade: %w", err)
	}
	return nil
}

// AutoRemove drops packages that were only pulled in by something now gone.
func (a *Apt) AutoRemove() error {
	if _, err := a.c.Run("apt-get", "autoremove", "-y", "--purge"); err != nil {
		return fmt.Errorf("autoremove: %w", err)
	}
	return nil
}

// InstalledVersion returns the installed version of pkg, or "" if it is not
// installed.
func (a *Apt) InstalledVersion(pkg string) (string, error) {
	out, err := a.c.Run("dpkg-query", "--show", "--showformat=${Version}", pkg)
	if err != nil {
		if strings.Contains(err.Error(), "no packages found") {
			return "", nil
		}
		return "", fmt.Errorf("querying installed version of %s: %w", pkg, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CandidateVersion returns the version the repository would install.
func (a *Apt) CandidateVersion(pkg string) (string, error) {
	out, err := a.c.Run("apt-cache", "policy", pkg)
	if err != nil {
		return "", fmt.Errorf("querying candidate version of %s: %w", pkg, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Candidate:"); ok {
			v = strings.TrimSpace(v)
			if v == "(none)" {
				return "", nil
			}
			return v, nil
		}
	}
	return "", fmt.Errorf("no candidate version in apt-cache output for %s", pkg)
}

// Depends returns the declared dependencies of pkg.
func (a *Apt) Depends(pkg string) ([]string, error) {
	out, err := a.c.Run("apt-cache", "depends", pkg)
	if err != nil {
		return nil, fmt.Errorf("querying dependencies of %s: %w", pkg, err)
	}
	var deps []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if d, ok := strings.CutPrefix(line, "Depends:"); ok {
			deps = append(deps, strings.TrimSpace(d))
		}
	}
	return deps, nil
}

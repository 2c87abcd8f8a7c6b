package firstboot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"github.com/Sky1-Linux/sky1-live-build/internal/preconf"
)

// Preseed file names probed on the ESP, in order. The unprefixed name is
// accepted for images produced before the rename.
var preconfigNames = []string{"sky1-preconfig.txt", "preconfig.txt"}

const espDir = "boot/efi"

// userGroups are the supplementary groups of a preseeded account, matching
// what the Debian installer hands out to the initial user.
const userGroups = "sudo,audio,video,plugdev,netdev"

// autologinTargets describes where each display manager stores its autologin
// account and which placeholder name the live image ships there. Only a value
// still equal to the placeholder is retargeted: a name the user changed by
// hand stays put.
var autologinTargets = []struct {
	path        string
	section     string
	key         string
	placeholder string
}{
	{"etc/gdm3/daemon.conf", "daemon", "AutomaticLogin", "sky1"},
	{"etc/sddm.conf.d/autologin.conf", "Autologin", "User", "live"},
	{"etc/lightdm/lightdm.conf", "Seat:*", "autologin-user", "liveuser"},
}

// applyPreconfig consumes the preseed file from the ESP, if present. The file
// holds credentials, so it is securely erased afterwards whether or not every
// setting applied.
func (p *Provisioner) applyPreconfig() error {
	path := p.findPreconfig()
	if path == "" {
		logrus.Debug("no preseed file on the ESP")
		return nil
	}
	logrus.Infof("applying preseed from %s", path)

	rec, err := preconf.Parse(path)
	if err != nil {
		if eerr := preconf.SecureErase(path); eerr != nil {
			logrus.Warnf("erasing preseed file: %v", eerr)
		}
		return err
	}

	if rec.Hostname != "" {
		if err := p.setHostname(rec.Hostname); err != nil {
			logrus.Warnf("setting hostname: %v", err)
		}
	}
	if rec.Username != "" {
		if err := p.createUser(rec); err != nil {
			logrus.Warnf("creating user %s: %v", rec.Username, err)
		}
	}

	return preconf.SecureErase(path)
}

func (p *Provisioner) findPreconfig() string {
	for _, name := range preconfigNames {
		path := filepath.Join(p.Root, espDir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (p *Provisioner) setHostname(hostname string) error {
	if _, err := p.Runner.Run("hostnamectl", "set-hostname", hostname); err != nil {
		logrus.Debugf("hostnamectl: %v", err)
		path := filepath.Join(p.Root, "etc/hostname")
		if werr := os.WriteFile(path, []byte(hostname+"\n"), 0o644); werr != nil {
			return werr
		}
	}
	return p.rewriteHosts(hostname)
}

// rewriteHosts points the 127.0.1.1 entry at the new hostname, the Debian
// convention for hosts without a static address.
func (p *Provisioner) rewriteHosts(hostname string) error {
	path := filepath.Join(p.Root, "etc/hosts")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			return err
		}
	}

	entry := "127.0.1.1\t" + hostname
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "127.0.1.1") {
			lines[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, entry)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

// createUser adds the preseeded account, sets its password, points display
// manager autologin at it and marks the first-boot wizard as done so the new
// user does not get asked to create a second account.
func (p *Provisioner) createUser(rec preconf.Record) error {
	_, err := p.Runner.Run("useradd", "-m", "-s", "/bin/bash", "-G", userGroups, rec.Username)
	if err != nil {
		return err
	}

	switch {
	case rec.PasswordHash != "":
		line := []byte(rec.Username + ":" + rec.PasswordHash + "\n")
		if _, err := p.Runner.RunInput(line, "chpasswd", "-e"); err != nil {
			return fmt.Errorf("setting password hash: %w", err)
		}
	case rec.Password != "":
		line := []byte(rec.Username + ":" + rec.Password + "\n")
		if _, err := p.Runner.RunInput(line, "chpasswd"); err != nil {
			return fmt.Errorf("setting password: %w", err)
		}
	}

	if err := p.retargetAutologin(rec.Username); err != nil {
		logrus.Warnf("retargeting autologin: %v", err)
	}
	if err := p.markWizardDone(rec.Username); err != nil {
		logrus.Warnf("marking setup wizard done: %v", err)
	}
	return nil
}

func (p *Provisioner) retargetAutologin(username string) error {
	var firstErr error
	for _, t := range autologinTargets {
		path := filepath.Join(p.Root, t.path)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := ini.Load(path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		key := cfg.Section(t.section).Key(t.key)
		if key.String() != t.placeholder {
			continue
		}
		key.SetValue(username)
		if err := cfg.SaveTo(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Provisioner) markWizardDone(username string) error {
	home := filepath.Join(p.Root, "home", username)
	gnomeDone := filepath.Join(home, ".config/gnome-initial-setup-done")
	if err := os.MkdirAll(filepath.Dir(gnomeDone), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(gnomeDone, []byte("yes"), 0o644); err != nil {
		return err
	}
	// the marker file must belong to the user or gnome-initial-setup
	// ignores it
	if _, err := p.Runner.Run("chown", "-R", username+":"+username, filepath.Join(home, ".config")); err != nil {
		logrus.Debugf("chown %s config: %v", username, err)
	}

	plasmaDone := filepath.Join(p.Root, "var/lib/plasma-setup/done")
	if err := os.MkdirAll(filepath.Dir(plasmaDone), 0o755); err != nil {
		return err
	}
	return os.WriteFile(plasmaDone, nil, 0o644)
}

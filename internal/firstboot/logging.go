package firstboot

import (
	"io"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/sirupsen/logrus"
)

// SetupLogging sends log output to stderr and to the persistent first-boot
// log, plus the systemd journal when one is available. Returns the log file
// for the caller to close.
func SetupLogging(root string) (io.Closer, error) {
	path := filepath.Join(root, "var/log/sky1-firstboot.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))

	if journal.Enabled() {
		logrus.AddHook(&journalHook{})
	}
	return f, nil
}

// journalHook mirrors log entries to the systemd journal with matching
// priorities.
type journalHook struct{}

func (h *journalHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *journalHook) Fire(e *logrus.Entry) error {
	return journal.Send(e.Message, priority(e.Level), nil)
}

func priority(level logrus.Level) journal.Priority {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return journal.PriCrit
	case logrus.ErrorLevel:
		return journal.PriErr
	case logrus.WarnLevel:
		return journal.PriWarning
	case logrus.DebugLevel, logrus.TraceLevel:
		return journal.PriDebug
	}
	return journal.PriInfo
}

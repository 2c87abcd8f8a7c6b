package imagebuild

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// cleanupStack releases acquired resources (loop devices, mounts, partial
// files) in reverse acquisition order. Entries are popped as they run, so
// running the stack twice is safe; individual entries are expected to be
// idempotent as well because a step may also have been released explicitly
// on the success path.
type cleanupStack struct {
	mu      sync.Mutex
	entries []cleanupEntry
}

type cleanupEntry struct {
	name string
	fn   func() error
}

func (s *cleanupStack) push(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, cleanupEntry{name: name, fn: fn})
}

func (s *cleanupStack) run() {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		if err := entries[i].fn(); err != nil {
			logrus.Warnf("cleanup %s: %v", entries[i].name, err)
		}
	}
}

// bindSignals runs the stack when the build is interrupted. A killed build
// must not leave loop devices attached or chroots mounted. The returned stop
// function unbinds the handler.
func (s *cleanupStack) bindSignals() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			logrus.Warnf("received %s, cleaning up", sig)
			s.run()
			os.Exit(1)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// Package osexec wraps the external tools the pipeline drives (sgdisk,
// losetup, mkfs, rsync, apt-get, ...) behind a small interface so that every
// privileged component can be exercised against a recording fake in tests.
package osexec

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

type Runner interface {
	// Run executes the command and returns its combined output. A non-zero
	// exit status is returned as an error that carries the tail of the
	// output for diagnostics.
	Run(name string, args ...string) ([]byte, error)
	// RunEnv behaves like Run with extra environment variables of the form
	// KEY=value appended to the inherited environment.
	RunEnv(env []string, name string, args ...string) ([]byte, error)
	// RunInput behaves like Run with the given bytes fed to the command's
	// standard input. Used for tools like chpasswd that refuse secrets on
	// the command line.
	RunInput(stdin []byte, name string, args ...string) ([]byte, error)
}

// New returns a Runner that executes commands on the host and logs each
// invocation.
func New() Runner {
	return &hostRunner{}
}

type hostRunner struct{}

func (r *hostRunner) Run(name string, args ...string) ([]byte, error) {
	return r.RunEnv(nil, name, args...)
}

func (r *hostRunner) RunEnv(env []string, name string, args ...string) ([]byte, error) {
	return r.run(env, nil, name, args...)
}

func (r *hostRunner) RunInput(stdin []byte, name string, args ...string) ([]byte, error) {
	return r.run(nil, stdin, name, args...)
}

func (r *hostRunner) run(env []string, stdin []byte, name string, args ...string) ([]byte, error) {
	logrus.Debugf("running: %s %s", name, strings.Join(args, " "))

	cmd := exec.Command(name, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := buf.Bytes()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, tail(out))
	}
	return out, nil
}

// tail returns the last few lines of command output, enough to diagnose a
// failed tool without dumping megabytes into an error string.
func tail(out []byte) string {
	const maxLines = 5
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}

// Call is one recorded invocation.
type Call struct {
	Name  string
	Args  []string
	Env   []string
	Stdin []byte
}

func (c Call) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Recorder is a Runner for tests. It records every call and replies with
// canned output or errors keyed by command name.
type Recorder struct {
	Calls   []Call
	Outputs map[string][]byte
	Errors  map[string]error
}

func (r *Recorder) Run(name string, args ...string) ([]byte, error) {
	return r.RunEnv(nil, name, args...)
}

func (r *Recorder) RunEnv(env []string, name string, args ...string) ([]byte, error) {
	r.Calls = append(r.Calls, Call{Name: name, Args: args, Env: env})
	return r.Outputs[name], r.Errors[name]
}

func (r *Recorder) RunInput(stdin []byte, name string, args ...string) ([]byte, error) {
	r.Calls = append(r.Calls, Call{Name: name, Args: args, Stdin: stdin})
	return r.Outputs[name], r.Errors[name]
}

// CommandLines returns every recorded call as a single string, for
// order-sensitive assertions.
func (r *Recorder) CommandLines() []string {
	lines := make([]string, len(r.Calls))
	for i, c := range r.Calls {
		lines[i] = c.String()
	}
	return lines
}

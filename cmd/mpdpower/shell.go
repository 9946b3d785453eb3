package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// CommandRunner runs the configured shell hooks.
type CommandRunner interface {
	// RunDetached starts command and returns without waiting for it.
	RunDetached(command string) error
	// Run waits for command and returns an error unless it exited 0.
	Run(ctx context.Context, command string) error
}

// ShellRunner runs commands through "sh -c", each in its own process group.
type ShellRunner struct {
	timeout time.Duration
	logger  *logrus.Entry
}

func NewShellRunner(timeout time.Duration, logger *logrus.Entry) *ShellRunner {
	return &ShellRunner{timeout: timeout, logger: logger}
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func (s *ShellRunner) RunDetached(command string) error {
	cmd := shellCommand(context.Background(), command)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", command, err)
	}
	s.logger.WithFields(logrus.Fields{"command": command, "pid": cmd.Process.Pid}).Debug("started detached command")

	// Reap it so it does not linger as a zombie.
	go func() {
		err := cmd.Wait()
		log := s.logger.WithField("command", command)
		if err != nil {
			log.WithError(err).Debug("detached command failed")
			return
		}
		log.Debug("detached command exited")
	}()
	return nil
}

// Run kills the command's whole process group once the timeout expires, so a
// hung pipeline cannot stall the event loop.
func (s *ShellRunner) Run(ctx context.Context, command string) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cmd := shellCommand(ctx, command)
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return fmt.Errorf("%q: timed out after %s: %w", command, s.timeout, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%q exited with status %d: %s", command, exitErr.ExitCode(), strings.TrimSpace(string(out)))
		}
		return fmt.Errorf("%q: %w", command, err)
	}
	return nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// CommandLauncher starts the daemon with a shell-free command line. The
// child is not tied to the host's lifetime.
type CommandLauncher struct {
	args   []string
	logger *slog.Logger
}

func NewCommandLauncher(command string, logger *slog.Logger) *CommandLauncher {
	return &CommandLauncher{args: strings.Fields(command), logger: logger.With("component", "launcher")}
}

func (l *CommandLauncher) Launch(_ context.Context) error {
	if len(l.args) == 0 {
		return errors.New("no launch command configured")
	}
	cmd := exec.Command(l.args[0], l.args[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launching %s: %w", l.args[0], err)
	}
	l.logger.Info("Daemon launched", "pid", cmd.Process.Pid)
	go func() {
		if err := cmd.Wait(); err != nil {
			l.logger.Warn("Launched daemon exited", "error", err)
		}
	}()
	return nil
}

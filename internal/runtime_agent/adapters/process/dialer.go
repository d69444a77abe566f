// Package process spawns the bridge host and speaks native messaging to it
// over the child's stdio.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/otprelay/golang_services/internal/core_domain"
	"github.com/otprelay/golang_services/internal/platform/nativemsg"
	"github.com/otprelay/golang_services/internal/runtime_agent/domain"
)

// DialerConfig describes how to launch the bridge host.
type DialerConfig struct {
	Path string
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// Stderr receives the child's log output. Nil discards it.
	Stderr io.Writer
	// ExitGrace bounds how long Close waits after closing stdin before
	// killing the child.
	ExitGrace time.Duration
}

type Dialer struct {
	cfg    DialerConfig
	logger *slog.Logger
}

func NewDialer(cfg DialerConfig, logger *slog.Logger) *Dialer {
	if cfg.ExitGrace <= 0 {
		cfg.ExitGrace = 3 * time.Second
	}
	return &Dialer{cfg: cfg, logger: logger.With("component", "host_process")}
}

// Dial starts one bridge host process.
func (d *Dialer) Dial(ctx context.Context) (domain.HostConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(d.cfg.Path, d.cfg.Args...)
	cmd.Env = append(os.Environ(), d.cfg.Env...)
	cmd.Stderr = d.cfg.Stderr

	// os.Pipe instead of StdoutPipe so Wait never closes the read side
	// while frames are still buffered.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("starting bridge host %s: %w", d.cfg.Path, err)
	}
	stdinR.Close()
	stdoutW.Close()

	c := &conn{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		w:      nativemsg.NewWriter(stdinW),
		r:      nativemsg.NewReader(stdoutR),
		exited: make(chan struct{}),
		grace:  d.cfg.ExitGrace,
		logger: d.logger.With("pid", cmd.Process.Pid),
	}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.exited)
	}()
	c.logger.Info("Bridge host started")
	return c, nil
}

type conn struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	w      *nativemsg.Writer
	r      *nativemsg.Reader

	exited  chan struct{}
	waitErr error
	grace   time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
}

func (c *conn) Send(env core_domain.Envelope) error {
	if err := c.w.WriteJSON(env); err != nil {
		return fmt.Errorf("writing to bridge host: %w", err)
	}
	return nil
}

func (c *conn) Recv() (core_domain.Envelope, error) {
	var env core_domain.Envelope
	err := c.r.ReadJSON(&env)
	if err == nil {
		return env, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		select {
		case <-c.exited:
			if c.waitErr != nil {
				return env, fmt.Errorf("bridge host exited: %w", c.waitErr)
			}
		case <-time.After(c.grace):
		}
		return env, fmt.Errorf("bridge host closed stdout: %w", io.EOF)
	}
	return env, fmt.Errorf("reading from bridge host: %w", err)
}

// Close ends stdin, then kills the child if it outlives the grace period.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.stdin.Close()
		select {
		case <-c.exited:
		case <-time.After(c.grace):
			c.logger.Warn("Bridge host did not exit, killing")
			_ = c.cmd.Process.Kill()
			<-c.exited
		}
		c.stdout.Close()
		c.logger.Info("Bridge host stopped", "error", c.waitErr)
	})
	return nil
}

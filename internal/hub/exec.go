package hub

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/dumpsys/internal/binder"
	"github.com/mattjoyce/dumpsys/internal/log"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a dump command.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ExecProxy serves dumps by running a command. Dump args are appended to
// Args, and the sink is handed to the child as its stdout, so the command
// writes straight into the caller's pipe.
type ExecProxy struct {
	Service string
	Path    string
	Args    []string
	Env     []string // extra KEY=VALUE pairs on top of the parent environment
	Dir     string
	// Timeout bounds one dump. Zero means no limit.
	Timeout time.Duration

	logOnce sync.Once
	logger  *slog.Logger
}

// NewExecProxy returns a proxy that runs path with args.
func NewExecProxy(service, path string, args ...string) *ExecProxy {
	return &ExecProxy{Service: service, Path: path, Args: args}
}

// log is safe for concurrent first use: one proxy may be shared by several
// workers.
func (p *ExecProxy) log() *slog.Logger {
	p.logOnce.Do(func() {
		p.logger = log.WithService(p.Service).With("component", "exec")
	})
	return p.logger
}

// Dump implements binder.Proxy. Failures map onto status codes:
// start failure → NAME_NOT_FOUND, timeout → TIMED_OUT, non-zero exit →
// FAILED_TRANSACTION, killed by a signal → DEAD_OBJECT.
func (p *ExecProxy) Dump(sink *os.File, args []string) error {
	if sink == nil {
		return binder.StatusBadValue
	}
	defer sink.Close()

	logger := p.log()

	argv := make([]string, 0, len(p.Args)+len(args))
	argv = append(argv, p.Args...)
	argv = append(argv, args...)

	// Don't use CommandContext - termination is managed below.
	cmd := exec.Command(p.Path, argv...)
	cmd.Stdout = sink
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), p.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debug("spawning dump command", "path", p.Path, "args", argv, "timeout", p.Timeout)

	if err := cmd.Start(); err != nil {
		logger.Warn("dump command failed to start", "error", err)
		return binder.StatusNameNotFound
	}
	// The child holds its own copy of the write end.
	_ = sink.Close()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if p.Timeout > 0 {
		timer := time.NewTimer(p.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-waitErr:
		return p.exitStatus(err, truncateStderr(stderr.String()))

	case <-timeout:
		logger.Warn("dump command timed out, sending SIGTERM", "timeout", p.Timeout)
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("dump command exited after SIGTERM")
		case <-grace.C:
			logger.Warn("dump command did not exit after SIGTERM, sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}
		return binder.StatusTimedOut
	}
}

func (p *ExecProxy) exitStatus(err error, stderr string) error {
	if err == nil {
		return nil
	}

	logger := p.log()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		logger.Error("wait for dump command", "error", err)
		return binder.StatusUnknownError
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		logger.Warn("dump command killed by signal", "signal", ws.Signal().String(), "stderr", stderr)
		return binder.StatusDeadObject
	}
	logger.Warn("dump command exited with non-zero status", "exit_code", exitErr.ExitCode(), "stderr", stderr)
	return binder.StatusFailedTransaction
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}

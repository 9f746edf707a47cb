// Package session owns the agent session lifecycle: spawning the agent CLI,
// allocating bridge ports, tracking state transitions, and cleaning up.
package session

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
	"github.com/conduithq/conduit/internal/common/logger"
)

// killGracePeriod is how long a terminated subprocess gets to exit before
// escalation to SIGKILL.
const killGracePeriod = 5 * time.Second

// accessTokenEnv is exported to the agent subprocess when an access token is
// configured.
const accessTokenEnv = "CONDUIT_ACCESS_TOKEN"

// LaunchSpec describes one agent subprocess invocation.
type LaunchSpec struct {
	CLIPath            string
	SDKURL             string // ws://localhost:<port>, required
	Model              string
	PermissionMode     string
	Resume             string // agent session id to resume
	ForkSession        bool
	SystemPrompt       string
	AppendSystemPrompt string
	WorkDir            string
	AccessToken        string
}

// BuildArgs assembles the agent CLI argv. Optional flags are appended only
// when non-empty. The agent auto-enables stream-json I/O under --sdk-url, so
// --print/--input-format/--output-format/--verbose must never be passed.
func BuildArgs(spec LaunchSpec) []string {
	args := []string{"--sdk-url", spec.SDKURL}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.PermissionMode != "" {
		args = append(args, "--permission-mode", spec.PermissionMode)
	}
	if spec.Resume != "" {
		args = append(args, "--resume", spec.Resume)
	}
	if spec.ForkSession {
		args = append(args, "--fork-session")
	}
	if spec.SystemPrompt != "" {
		args = append(args, "--system-prompt", spec.SystemPrompt)
	}
	if spec.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", spec.AppendSystemPrompt)
	}
	return args
}

// Process is a spawned agent subprocess with bounded stderr capture and a
// two-stage kill.
type Process struct {
	cmd    *exec.Cmd
	pid    int
	stderr *StderrBuffer
	logger *logger.Logger

	mu       sync.Mutex
	exited   bool
	exitErr  error
	exitCbs  []func(error)
	waitDone chan struct{}
}

// Launch spawns the agent CLI. It fails synchronously with a spawn error if
// the process cannot be started or produces no PID.
func Launch(spec LaunchSpec, log *logger.Logger) (*Process, error) {
	args := BuildArgs(spec)
	cmd := exec.Command(spec.CLIPath, args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = os.Environ()
	if spec.AccessToken != "" {
		cmd.Env = append(cmd.Env, accessTokenEnv+"="+spec.AccessToken)
	}

	stderr := NewStderrBuffer()
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, apperrors.Spawn(fmt.Sprintf("failed to start agent CLI %q", spec.CLIPath), err)
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return nil, apperrors.Spawn("agent CLI started without a PID", nil)
	}

	p := &Process{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		stderr:   stderr,
		logger:   log.WithFields(zap.String("component", "launcher"), zap.Int("pid", cmd.Process.Pid)),
		waitDone: make(chan struct{}),
	}

	go p.wait()

	p.logger.Info("agent process started", zap.Strings("args", args))
	return p, nil
}

// PID returns the subprocess PID.
func (p *Process) PID() int {
	return p.pid
}

// Stderr returns the captured standard error output.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// Exited reports whether the subprocess has exited.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// OnExit registers a callback invoked once when the subprocess exits. If the
// process has already exited the callback fires immediately.
func (p *Process) OnExit(cb func(err error)) {
	p.mu.Lock()
	if p.exited {
		err := p.exitErr
		p.mu.Unlock()
		cb(err)
		return
	}
	p.exitCbs = append(p.exitCbs, cb)
	p.mu.Unlock()
}

// Kill sends graceful termination and escalates to SIGKILL if the process is
// still alive after the grace period. It returns once the process has been
// reaped or the escalation has been issued.
func (p *Process) Kill() {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.logger.Info("terminating agent process")
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debug("SIGTERM failed", zap.Error(err))
	}

	select {
	case <-p.waitDone:
		p.logger.Debug("agent process exited after SIGTERM")
	case <-time.After(killGracePeriod):
		p.logger.Warn("agent process did not exit in time, sending SIGKILL")
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.Debug("SIGKILL failed", zap.Error(err))
		}
		<-p.waitDone
	}
}

// wait reaps the process and fires the registered exit callbacks.
func (p *Process) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	p.exitErr = err
	cbs := p.exitCbs
	p.exitCbs = nil
	p.mu.Unlock()
	close(p.waitDone)

	if err != nil {
		p.logger.Info("agent process exited", zap.Error(err))
	} else {
		p.logger.Info("agent process exited cleanly")
	}

	for _, cb := range cbs {
		cb(err)
	}
}

// TerminatePID sends SIGTERM to an arbitrary PID, swallowing "no such
// process" errors. Used by orphan cleanup for processes recorded in the
// store but not owned by this run.
func TerminatePID(pid int, log *logger.Logger) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// ESRCH is expected for stale PIDs across restarts.
		log.Debug("orphan terminate signal failed", zap.Int("pid", pid), zap.Error(err))
	}
}

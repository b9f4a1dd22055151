package svc

import (
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// Inhibitor keeps the host from suspending while the relay is started by
// holding a systemd-inhibit child process. Acquire and Release are
// idempotent; failures are logged and the relay runs uninhibited.
type Inhibitor struct {
	log zerolog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd

	// command builds the holder process. Overridable for tests.
	command func() *exec.Cmd
}

// NewInhibitor returns an inhibitor that blocks sleep and idle actions.
func NewInhibitor(logger zerolog.Logger) *Inhibitor {
	return &Inhibitor{
		log: logger.With().Str("component", "inhibitor").Logger(),
		command: func() *exec.Cmd {
			return exec.Command("systemd-inhibit",
				"--what=sleep:idle",
				"--who="+DefaultDisplayName,
				"--why=Relaying a live stream",
				"--mode=block",
				"sleep", "infinity")
		},
	}
}

// Acquire starts holding the inhibitor lock.
func (i *Inhibitor) Acquire() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cmd != nil {
		return
	}
	cmd := i.command()
	if err := cmd.Start(); err != nil {
		i.log.Warn().Err(err).Msg("failed to inhibit sleep")
		return
	}
	i.cmd = cmd
	i.log.Debug().Int("pid", cmd.Process.Pid).Msg("sleep inhibited")
}

// Release drops the lock.
func (i *Inhibitor) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cmd == nil {
		return
	}
	if err := i.cmd.Process.Kill(); err != nil {
		i.log.Debug().Err(err).Msg("kill inhibitor")
	}
	_ = i.cmd.Wait()
	i.cmd = nil
	i.log.Debug().Msg("sleep inhibit released")
}

// Held reports whether the lock is held.
func (i *Inhibitor) Held() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cmd != nil
}

// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package deviceagent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

// SessionDaemonFlag is the hidden first argument a re-exec'd binary
// recognizes as "run as a session daemon" (§4.6's background session
// process), following the teacher's `tunnel daemon` hidden-subcommand
// convention but env-var driven rather than flag driven, since the
// re-exec here carries no other CLI surface.
const SessionDaemonFlag = "__session-daemon"

// Environment variable names StartSessionDaemon sets on the re-exec'd
// process and RunSessionDaemon's caller is expected to read.
const (
	EnvSessionPodID   = "LOOM_SESSION_POD_ID"
	EnvCoordinatorURL = "LOOM_COORDINATOR_URL"
	EnvDeviceToken    = "LOOM_DEVICE_TOKEN"
	EnvDeviceID       = "LOOM_DEVICE_ID"
)

// StartSessionDaemon forks the current executable as a background
// session daemon for podID and waits for it to report a running session,
// mirroring the teacher's StartTunnelDaemon fork-and-poll idiom.
func (a *Agent) StartSessionDaemon(podID string) (*SessionRecord, error) {
	if rec, err := a.findRunning(podID); err == nil && rec != nil {
		return rec, nil
	}

	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable: %w", err)
	}

	logDir := filepath.Join(filepath.Dir(getStatePath()), "logs")
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, fmt.Errorf("create session log directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, podID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("create session log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(executable, SessionDaemonFlag)
	cmd.Env = append(os.Environ(),
		EnvSessionPodID+"="+podID,
		EnvCoordinatorURL+"="+a.cfg.CoordinatorURL,
		EnvDeviceToken+"="+a.cfg.UserToken,
		EnvDeviceID+"="+a.cfg.DeviceID,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start session daemon: %w", err)
	}

	for i := 0; i < 100; i++ {
		time.Sleep(100 * time.Millisecond)
		if rec, err := a.findRunning(podID); err == nil && rec != nil {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("session daemon for pod %s did not start within 10s", podID)
}

func (a *Agent) findRunning(podID string) (*SessionRecord, error) {
	state, err := ReadState()
	if err != nil {
		return nil, err
	}
	rec, ok := state.Sessions[podID]
	if !ok {
		return nil, nil
	}
	if !processAlive(rec.PID) {
		return nil, nil
	}
	return rec, nil
}

// RunSessionDaemon brings a session up and blocks until it receives
// SIGINT/SIGTERM or ctx is cancelled, then tears the session down. It is
// the body of the re-exec'd background process started by
// StartSessionDaemon.
func RunSessionDaemon(ctx context.Context, cfg Config, podID string) error {
	a := New(cfg)

	priv, err := a.loadKey()
	if err != nil {
		return fmt.Errorf("load device key: %w", err)
	}

	tunCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t, err := a.buildTunnel(tunCtx, priv, podID)
	if err != nil {
		return err
	}

	rec := &SessionRecord{
		PodID:         podID,
		SessionID:     t.sess.SessionID,
		DeviceID:      cfg.DeviceID,
		Interface:     t.engine.InterfaceName(),
		ClientAddress: t.sess.ClientAddress,
		PodAddress:    t.sess.Pod.Address,
		HomeRegion:    t.sess.Pod.HomeRegion,
		PID:           os.Getpid(),
		StartedAt:     time.Now(),
	}
	if err := WithLock(func(s *State) error {
		s.Sessions[podID] = rec
		return nil
	}); err != nil {
		_ = a.teardown(context.Background(), t)
		return fmt.Errorf("save session state: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	teardownErr := a.teardown(context.Background(), t)
	_ = WithLock(func(s *State) error {
		delete(s.Sessions, podID)
		return nil
	})
	return teardownErr
}

// SessionDown tears down podID's session: signals its daemon process and
// removes the local session record (§4.6 "session-down").
func (a *Agent) SessionDown(podID string) error {
	rec, err := a.findRunning(podID)
	if err != nil {
		return err
	}
	if rec == nil {
		return WithLock(func(s *State) error {
			delete(s.Sessions, podID)
			return nil
		})
	}

	process, err := os.FindProcess(rec.PID)
	if err == nil {
		_ = process.Signal(syscall.SIGTERM)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(rec.PID) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	return WithLock(func(s *State) error {
		delete(s.Sessions, podID)
		return nil
	})
}

// List enumerates live sessions, pruning any whose daemon process has
// died without cleaning up its own record.
func List() ([]*SessionRecord, error) {
	var live []*SessionRecord
	err := WithLock(func(s *State) error {
		for podID, rec := range s.Sessions {
			if processAlive(rec.PID) {
				live = append(live, rec)
			} else {
				delete(s.Sessions, podID)
			}
		}
		return nil
	})
	return live, err
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

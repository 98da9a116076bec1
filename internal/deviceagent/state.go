// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package deviceagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/loomworks/loom/internal/wgkey"
)

const lockTimeout = 30 * time.Second

func getStatePath() string {
	return filepath.Join(wgkey.ConfigDir(), "state.json")
}

// WithLock executes fn with the exclusive local-session-state lock held,
// loading state before fn runs and atomically persisting it after, per
// §4.6's flock-plus-atomic-rename requirement.
func WithLock(fn func(*State) error) error {
	statePath := getStatePath()
	lockPath := statePath + ".lock"
	fileLock := flock.New(lockPath)

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire session state lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("session state lock timeout after %v", lockTimeout)
	}
	defer fileLock.Unlock()

	state, err := loadStateUnsafe()
	if err != nil {
		return err
	}

	if err := fn(state); err != nil {
		return err
	}

	return atomicWriteState(state)
}

// ReadState loads the current session state without acquiring the
// exclusive lock, for read-only callers such as findRunning.
func ReadState() (*State, error) {
	return loadStateUnsafe()
}

func loadStateUnsafe() (*State, error) {
	path := getStatePath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Version: 1, Sessions: make(map[string]*SessionRecord)}, nil
		}
		return nil, fmt.Errorf("read session state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse session state: %w", err)
	}
	if state.Sessions == nil {
		state.Sessions = make(map[string]*SessionRecord)
	}
	return &state, nil
}

func atomicWriteState(state *State) error {
	path := getStatePath()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create session state directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp session state file: %w", err)
	}
	tmpPath := tmpFile.Name()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write session state: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp session state file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename session state file: %w", err)
	}
	return nil
}

// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package wgkey

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigDir returns the directory under which Loom stores per-user
// configuration and key material: $LOOM_USER_HOME/.loom if set, else the
// sudo user's /home/<user>/.loom, else $HOME/.loom.
func ConfigDir() string {
	if home := os.Getenv("LOOM_USER_HOME"); home != "" {
		return filepath.Join(home, ".loom")
	}
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		return filepath.Join("/home", sudoUser, ".loom")
	}
	return filepath.Join(os.Getenv("HOME"), ".loom")
}

// DefaultKeyPath is the fallback device private-key path when neither
// N nor N_FILE is set in the environment.
func DefaultKeyPath() string {
	return filepath.Join(ConfigDir(), "wg-key")
}

// LoadPrivate loads a Private key following the N_FILE / N / default-path
// precedence described in §4.1: given an environment variable name N, it
// returns a secret built from the file path in N_FILE if set, otherwise the
// literal value in N, otherwise the key at defaultPath if present. If none
// of the three sources yields material and generate is true, a fresh
// keypair is generated and persisted to defaultPath with mode 0600.
func LoadPrivate(envName, defaultPath string, generate bool) (*Private, error) {
	if filePath := os.Getenv(envName + "_FILE"); filePath != "" {
		return loadFromFile(filePath)
	}
	if literal := os.Getenv(envName); literal != "" {
		return ParsePrivate(literal)
	}
	if defaultPath == "" {
		defaultPath = DefaultKeyPath()
	}
	if _, err := os.Stat(defaultPath); err == nil {
		return loadFromFile(defaultPath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat key file %s: %w", defaultPath, err)
	}

	if !generate {
		return nil, fmt.Errorf("%w: no key configured and generation disabled", ErrMalformed)
	}

	priv, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := persist(defaultPath, priv); err != nil {
		return nil, err
	}
	return priv, nil
}

func loadFromFile(path string) (*Private, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: key file %s is empty", ErrMalformed, path)
	}
	return ParsePrivate(trimNewline(string(raw)))
}

func persist(path string, priv *Private) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(priv.Base64()), 0600); err != nil {
		return fmt.Errorf("write key file %s: %w", path, err)
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package wgkey

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPrivateFromFileEnv(t *testing.T) {
	dir := t.TempDir()
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	keyFile := filepath.Join(dir, "custom-key")
	require.NoError(t, os.WriteFile(keyFile, []byte(priv.Base64()+"\n"), 0600))

	t.Setenv("LOOM_TEST_KEY_FILE", keyFile)

	loaded, err := LoadPrivate("LOOM_TEST_KEY", filepath.Join(dir, "unused"), false)
	require.NoError(t, err)
	assert.Equal(t, priv.Public(), loaded.Public())
}

func TestLoadPrivateFromLiteralEnv(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	t.Setenv("LOOM_TEST_KEY", priv.Base64())

	loaded, err := LoadPrivate("LOOM_TEST_KEY", "", false)
	require.NoError(t, err)
	assert.Equal(t, priv.Public(), loaded.Public())
}

func TestLoadPrivateGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	defaultPath := filepath.Join(dir, "wg-key")

	loaded, err := LoadPrivate("LOOM_TEST_KEY_UNSET", defaultPath, true)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	info, err := os.Stat(defaultPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again, err := LoadPrivate("LOOM_TEST_KEY_UNSET", defaultPath, false)
	require.NoError(t, err)
	assert.Equal(t, loaded.Public(), again.Public())
}

func TestLoadPrivateEmptyFileIsMalformed(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "empty-key")
	require.NoError(t, os.WriteFile(keyFile, nil, 0600))

	t.Setenv("LOOM_TEST_KEY_FILE", keyFile)

	_, err := LoadPrivate("LOOM_TEST_KEY", "", false)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLoadPrivateNoSourceNoGenerate(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadPrivate("LOOM_TEST_KEY_ABSENT", filepath.Join(dir, "missing"), false)
	assert.ErrorIs(t, err, ErrMalformed)
}

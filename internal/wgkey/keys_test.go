// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package wgkey

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairDeriveMatches(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	again, err := NewPrivate(priv.Bytes())
	require.NoError(t, err)

	assert.Equal(t, priv.Public(), again.Public())
}

func TestPrivateRedaction(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	raw := priv.Bytes()

	assert.Equal(t, redactedSentinel, priv.String())
	assert.Equal(t, redactedSentinel, priv.GoString())

	text, err := priv.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, redactedSentinel, string(text))

	// None of the redacted representations may contain the key material.
	debugOutput := fmt.Sprintf("%v %#v %s", priv, priv, priv)
	assert.NotContains(t, debugOutput, priv.Base64())
	_ = raw
}

func TestPrivateZeroizationOnRelease(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	priv.Release()

	zero := [32]byte{}
	assert.Equal(t, zero, priv.b)

	// Idempotent.
	priv.Release()
	assert.Equal(t, zero, priv.b)
}

func TestParsePrivateRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded := priv.Base64()
	parsed, err := ParsePrivate(encoded)
	require.NoError(t, err)

	assert.Equal(t, priv.Public(), parsed.Public())
}

func TestParsePrivateMalformed(t *testing.T) {
	_, err := ParsePrivate("")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParsePrivate("not-valid-base64!!!")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParsePrivate("c2hvcnQ=") // valid base64, wrong length
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParsePublicMalformed(t *testing.T) {
	_, err := ParsePublic("///not-base64")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestPublicStringRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded := priv.Public().String()
	parsed, err := ParsePublic(encoded)
	require.NoError(t, err)
	assert.Equal(t, priv.Public(), parsed)
}

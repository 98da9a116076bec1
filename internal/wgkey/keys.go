// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package wgkey provides X25519 keypair generation and a redacted,
// zeroizing container for WireGuard private keys.
package wgkey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const redactedSentinel = "[redacted]"

// PublicLen is the byte length of an X25519 public key.
const PublicLen = 32

// Public is a 32-byte X25519 public key. It is freely copyable and
// comparable.
type Public [32]byte

// String returns the standard base64 encoding of the public key.
func (p Public) String() string {
	return base64.StdEncoding.EncodeToString(p[:])
}

// Bytes returns a copy of the raw public key bytes.
func (p Public) Bytes() []byte {
	b := make([]byte, PublicLen)
	copy(b, p[:])
	return b
}

// ParsePublic decodes a standard-base64-encoded 32-byte public key.
func ParsePublic(s string) (Public, error) {
	var pub Public
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return pub, fmt.Errorf("%w: invalid base64 public key: %v", ErrMalformed, err)
	}
	if len(raw) != 32 {
		return pub, fmt.Errorf("%w: public key must be 32 bytes, got %d", ErrMalformed, len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}

// Private wraps a 32-byte X25519 private key. The material is exposed
// only through Bytes and Base64, and Release zeroes the backing array.
type Private struct {
	b       [32]byte
	public  Public
	zeroed  bool
}

// GenerateKeyPair creates a new random X25519 keypair, clamped per the
// WireGuard convention.
func GenerateKeyPair() (*Private, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	clamp(&raw)

	pub, err := derivePublic(raw)
	if err != nil {
		return nil, err
	}

	return &Private{b: raw, public: pub}, nil
}

// NewPrivate wraps 32 raw bytes (already clamped) as a Private, deriving
// and caching the public key.
func NewPrivate(raw [32]byte) (*Private, error) {
	pub, err := derivePublic(raw)
	if err != nil {
		return nil, err
	}
	return &Private{b: raw, public: pub}, nil
}

// ParsePrivate decodes a standard-base64-encoded 32-byte private key.
func ParsePrivate(s string) (*Private, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty private key", ErrMalformed)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 private key: %v", ErrMalformed, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: private key must be 32 bytes, got %d", ErrMalformed, len(raw))
	}
	var arr [32]byte
	copy(arr[:], raw)
	return NewPrivate(arr)
}

func clamp(b *[32]byte) {
	b[0] &= 248
	b[31] &= 127
	b[31] |= 64
}

func derivePublic(priv [32]byte) (Public, error) {
	var pub Public
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], out)
	return pub, nil
}

// Public returns the derived public key. Always safe to call and log.
func (p *Private) Public() Public {
	return p.public
}

// Bytes is the accessor for the raw private key material (Base64 returns
// its encoded form).
// Callers must not retain the returned array beyond the immediate call.
func (p *Private) Bytes() [32]byte {
	return p.b
}

// String redacts the private key in all human-readable output.
func (p *Private) String() string {
	return redactedSentinel
}

// GoString redacts the private key from %#v formatting.
func (p *Private) GoString() string {
	return redactedSentinel
}

// MarshalText redacts the private key from any text-based serialization
// (encoding/json falls back to MarshalText when present).
func (p *Private) MarshalText() ([]byte, error) {
	return []byte(redactedSentinel), nil
}

// Base64 returns the standard base64 encoding of the raw key material.
// Callers needing to persist the key should use this explicitly — it is
// not reachable through String/GoString/MarshalText.
func (p *Private) Base64() string {
	return base64.StdEncoding.EncodeToString(p.b[:])
}

// Release zeroes the backing memory. Safe to call multiple times.
func (p *Private) Release() {
	if p.zeroed {
		return
	}
	for i := range p.b {
		p.b[i] = 0
	}
	p.zeroed = true
}

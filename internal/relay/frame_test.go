// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package relay

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, writeFrame(&buf, FrameSendPacket, []byte("hello")))

	f, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameSendPacket, f.Type)
	assert.Equal(t, []byte("hello"), f.Payload)
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	oversize := make([]byte, MaxFrameLength+1)

	err := writeFrame(&buf, FrameSendPacket, oversize)
	require.Error(t, err)
	wgErr, ok := err.(interface{ Unwrap() error })
	require.True(t, ok)
	_ = wgErr
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{byte(FrameSendPacket), 0xff, 0xff, 0xff} // length = 16MiB-1
	buf.Write(header)

	_, err := readFrame(&buf)
	require.Error(t, err)
}

func TestUint24RoundTrip(t *testing.T) {
	b := make([]byte, 3)
	putUint24(b, 1<<20+7)
	assert.Equal(t, uint32(1<<20+7), readUint24(b))
}

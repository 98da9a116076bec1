// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package relay implements a frame-oriented client for the Loom relay
// protocol: an authenticated TLS stream used to forward WireGuard
// datagrams between peers when a direct UDP path is unavailable.
package relay

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/loomworks/loom/internal/wgerr"
)

// FrameType identifies the payload carried by a relay frame.
type FrameType byte

const (
	FrameServerKey   FrameType = 0x01
	FrameServerInfo  FrameType = 0x02
	FrameClientInfo  FrameType = 0x03
	FrameSendPacket  FrameType = 0x04
	FrameRecvPacket  FrameType = 0x05
	FrameKeepAlive   FrameType = 0x06
	FramePeerPresent FrameType = 0x07
	FramePeerGone    FrameType = 0x08
	FrameWatchConns  FrameType = 0x09
	FrameClosePeer   FrameType = 0x0a
)

// MaxFrameLength is the largest payload a conforming relay client will
// accept; a frame declaring a larger length is a protocol violation and
// closes the connection (§4.2).
const MaxFrameLength = 64 << 10

// KeyLen is the fixed length of a relay public key payload.
const KeyLen = 32

// frame is one decoded relay frame: a type byte, a 24-bit big-endian
// length, and that many payload bytes.
type frame struct {
	Type    FrameType
	Payload []byte
}

// writeFrame encodes and writes one frame to w.
func writeFrame(w io.Writer, typ FrameType, payload []byte) error {
	if len(payload) > MaxFrameLength {
		return wgerr.New(wgerr.ProtocolViolation, fmt.Errorf("outbound frame too large: %d bytes", len(payload)))
	}
	header := make([]byte, 4)
	header[0] = byte(typ)
	putUint24(header[1:4], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return wgerr.New(wgerr.Transport, fmt.Errorf("write frame header: %w", err))
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return wgerr.New(wgerr.Transport, fmt.Errorf("write frame payload: %w", err))
	}
	return nil
}

// readFrame reads and decodes one frame from r.
func readFrame(r io.Reader) (frame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return frame{}, wgerr.New(wgerr.Transport, fmt.Errorf("read frame header: %w", err))
	}
	typ := FrameType(header[0])
	length := readUint24(header[1:4])
	if length > MaxFrameLength {
		return frame{}, wgerr.New(wgerr.ProtocolViolation, fmt.Errorf("inbound frame too large: %d bytes", length))
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return frame{}, wgerr.New(wgerr.Transport, fmt.Errorf("read frame payload: %w", err))
		}
	}
	return frame{Type: typ, Payload: payload}, nil
}

func putUint24(b []byte, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	copy(b, tmp[1:4])
}

func readUint24(b []byte) uint32 {
	var tmp [4]byte
	copy(tmp[1:4], b)
	return binary.BigEndian.Uint32(tmp[:])
}

// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/wgerr"
	"github.com/loomworks/loom/internal/wgkey"
)

// ServerInfo is the JSON metadata sent by the relay immediately after its
// public key, as described in §4.2.
type ServerInfo struct {
	Version   int    `json:"version"`
	TokenBucketBytesPerSecond int `json:"tokenBucketBytesPerSecond,omitempty"`
}

// InboundPacket is one decoded RecvPacket frame delivered to the caller.
type InboundPacket struct {
	Source  wgkey.Public
	Payload []byte
}

// Config configures a Client's connection to a single relay node.
type Config struct {
	Addr           string // host:port of the relay's TLS listener
	LocalKey       wgkey.Public
	Watch          bool          // send WatchConns after ClientInfo
	KeepAlive      time.Duration // interval between unsolicited KeepAlives
	ReadIdleTimeout time.Duration // §5(b): relay read idle, default 60s
	TLSConfig      *tls.Config
}

func (c Config) withDefaults() Config {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 20 * time.Second
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = 60 * time.Second
	}
	return c
}

// Client is a single connection to one relay node. It offers two
// concurrent operations: Send (enqueue an outbound packet) and the
// Inbound channel (receive decoded packets). The caller drives Run in a
// goroutine and cancels ctx to tear the connection down.
type Client struct {
	cfg  Config
	conn *tls.Conn

	serverKey wgkey.Public

	sendCh  chan sendRequest
	inbound chan InboundPacket

	mu       sync.RWMutex
	presence map[wgkey.Public]bool

	closeOnce sync.Once
	closed    chan struct{}
}

type sendRequest struct {
	dst     wgkey.Public
	payload []byte
	errCh   chan error
}

// Dial opens a TLS connection to the relay and performs the handshake
// described in §4.2: read ServerKey then ServerInfo, send ClientInfo,
// optionally send WatchConns.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	dialer := &tls.Dialer{Config: cfg.TLSConfig}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, wgerr.WithContext(wgerr.Transport, "relay="+cfg.Addr, fmt.Errorf("dial relay: %w", err))
	}
	conn := rawConn.(*tls.Conn)

	c := &Client{
		cfg:      cfg,
		conn:     conn,
		sendCh:   make(chan sendRequest, 64),
		inbound:  make(chan InboundPacket, 64),
		presence: make(map[wgkey.Public]bool),
		closed:   make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	return c, nil
}

func (c *Client) handshake() error {
	keyFrame, err := readFrame(c.conn)
	if err != nil {
		return err
	}
	if keyFrame.Type != FrameServerKey || len(keyFrame.Payload) != KeyLen {
		return wgerr.New(wgerr.ProtocolViolation, fmt.Errorf("expected ServerKey, got type=%d len=%d", keyFrame.Type, len(keyFrame.Payload)))
	}
	copy(c.serverKey[:], keyFrame.Payload)

	infoFrame, err := readFrame(c.conn)
	if err != nil {
		return err
	}
	if infoFrame.Type != FrameServerInfo {
		return wgerr.New(wgerr.ProtocolViolation, fmt.Errorf("expected ServerInfo, got type=%d", infoFrame.Type))
	}
	var info ServerInfo
	if len(infoFrame.Payload) > 0 {
		if err := json.Unmarshal(infoFrame.Payload, &info); err != nil {
			return wgerr.New(wgerr.Malformed, fmt.Errorf("decode ServerInfo: %w", err))
		}
	}

	clientInfo := append([]byte{}, c.cfg.LocalKey[:]...)
	clientInfo = append(clientInfo, 0x01) // capability flags: reserved, always 1 today
	if err := writeFrame(c.conn, FrameClientInfo, clientInfo); err != nil {
		return err
	}

	if c.cfg.Watch {
		if err := writeFrame(c.conn, FrameWatchConns, nil); err != nil {
			return err
		}
	}

	return nil
}

// ServerKey returns the relay's public key, learned during the handshake.
func (c *Client) ServerKey() wgkey.Public {
	return c.serverKey
}

// Run drives the read and write loops until ctx is cancelled or a fatal
// protocol/transport error occurs. It is meant to be invoked in its own
// goroutine; callers read results from Inbound() and errors from the
// returned error.
func (c *Client) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() { errCh <- c.readLoop() }()
	go func() { errCh <- c.writeLoop(ctx) }()

	select {
	case <-ctx.Done():
		c.Close()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		c.Close()
		return err
	}
}

func (c *Client) readLoop() error {
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdleTimeout))
		f, err := readFrame(c.conn)
		if err != nil {
			return err
		}

		switch f.Type {
		case FrameRecvPacket:
			if len(f.Payload) < KeyLen {
				return wgerr.New(wgerr.ProtocolViolation, fmt.Errorf("RecvPacket payload too short: %d", len(f.Payload)))
			}
			var src wgkey.Public
			copy(src[:], f.Payload[:KeyLen])
			pkt := InboundPacket{Source: src, Payload: append([]byte{}, f.Payload[KeyLen:]...)}
			select {
			case c.inbound <- pkt:
			case <-c.closed:
				return nil
			}
		case FramePeerPresent, FramePeerGone:
			if len(f.Payload) != KeyLen {
				return wgerr.New(wgerr.ProtocolViolation, fmt.Errorf("presence frame payload must be %d bytes, got %d", KeyLen, len(f.Payload)))
			}
			var peer wgkey.Public
			copy(peer[:], f.Payload)
			c.mu.Lock()
			c.presence[peer] = f.Type == FramePeerPresent
			c.mu.Unlock()
		case FrameKeepAlive:
			// Read deadline already reset above; nothing further to do.
		default:
			return wgerr.New(wgerr.ProtocolViolation, fmt.Errorf("unexpected frame type from relay: %d", f.Type))
		}
	}
}

func (c *Client) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		case <-ticker.C:
			if err := writeFrame(c.conn, FrameKeepAlive, nil); err != nil {
				return err
			}
		case req := <-c.sendCh:
			payload := append(append([]byte{}, req.dst[:]...), req.payload...)
			err := writeFrame(c.conn, FrameSendPacket, payload)
			if req.errCh != nil {
				req.errCh <- err
			}
			if err != nil {
				return err
			}
		}
	}
}

// Send enqueues an outbound packet addressed to dst. It blocks until the
// write loop has accepted the frame for writing or ctx is cancelled.
func (c *Client) Send(ctx context.Context, dst wgkey.Public, payload []byte) error {
	errCh := make(chan error, 1)
	select {
	case c.sendCh <- sendRequest{dst: dst, payload: payload, errCh: errCh}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return wgerr.New(wgerr.Transport, fmt.Errorf("relay connection closed"))
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound returns the channel of decoded inbound packets.
func (c *Client) Inbound() <-chan InboundPacket {
	return c.inbound
}

// ClosePeer tells the relay to release its idea of a particular peer
// connection, per the ClosePeer frame.
func (c *Client) ClosePeer(peer wgkey.Public) error {
	return writeFrame(c.conn, FrameClosePeer, peer[:])
}

// Present reports whether the relay last told us the given peer is
// present on this relay node.
func (c *Client) Present(peer wgkey.Public) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.presence[peer]
}

// Close tears down the underlying TLS connection. Safe to call multiple
// times and from multiple goroutines.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package mux

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/wgkey"
)

func writeTestFrame(t *testing.T, conn net.Conn, typ byte, payload []byte) {
	t.Helper()
	var header [4]byte
	header[0] = typ
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	copy(header[1:], lenBuf[1:])
	_, err := conn.Write(header[:])
	require.NoError(t, err)
	if len(payload) > 0 {
		_, err = conn.Write(payload)
		require.NoError(t, err)
	}
}

func readTestFrame(t *testing.T, conn net.Conn) (byte, []byte) {
	t.Helper()
	header := make([]byte, 4)
	_, err := readFull(conn, header)
	require.NoError(t, err)
	var lenBuf [4]byte
	copy(lenBuf[1:], header[1:])
	length := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, length)
	if length > 0 {
		_, err = readFull(conn, payload)
		require.NoError(t, err)
	}
	return header[0], payload
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func mustTLSPair(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(parsed)
	return serverCfg, &tls.Config{RootCAs: pool, ServerName: "localhost"}
}

// fakeRelay accepts one connection, performs the server side of the §4.2
// handshake, and echoes any SendPacket frame back as a RecvPacket with the
// sender's own key as source (so the test client "hears from itself").
func fakeRelay(t *testing.T, ln net.Listener, relayKey wgkey.Public) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	writeTestFrame(t, conn, 0x01, relayKey.Bytes())
	writeTestFrame(t, conn, 0x02, []byte(`{"version":2}`))

	typ, clientInfo := readTestFrame(t, conn)
	require.Equal(t, byte(0x03), typ)

	for {
		typ, payload := readTestFrame(t, conn)
		if typ != 0x04 {
			return
		}
		echo := append(append([]byte{}, clientInfo[:wgkey.PublicLen]...), payload[wgkey.PublicLen:]...)
		writeTestFrame(t, conn, 0x05, echo)
	}
}

// TestSendUsesHomeRelayWhenNoDirectPath verifies the third step of the
// §4.3 send policy: a peer with neither a direct address nor a known
// relay region routes over the home relay.
func TestSendUsesHomeRelayWhenNoDirectPath(t *testing.T) {
	serverTLS, clientTLS := mustTLSPair(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	defer ln.Close()

	relayPriv, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)
	go fakeRelay(t, ln, relayPriv.Public())

	local, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := New(ctx, Config{
		LocalKey:   local.Public(),
		HomeRegion: 0,
		Relays: []RelayConfig{
			{Region: 0, Addr: ln.Addr().String(), ServerKey: relayPriv.Public()},
		},
		TLSConfig: clientTLS,
	})
	require.NoError(t, err)
	defer m.Close()
	_, _, err = m.Open(0)
	require.NoError(t, err)

	peer, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, m.sendOne(peer.Public(), []byte("via-home-relay")))

	select {
	case item := <-m.recvCh:
		assert.Equal(t, "via-home-relay", string(item.buf))
		assert.Equal(t, PathRelay, item.ep.path())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay echo")
	}
}

// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package relay

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/wgkey"
)

// selfSignedTLSConfig builds an in-memory self-signed cert pair for the
// local loopback test listener, following the same "no external fixtures"
// approach used elsewhere in this codebase's httptest-based server tests.
func selfSignedTLSConfig(t *testing.T) (*tls.Config, *tls.Config) {
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
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "localhost"}

	return serverCfg, clientCfg
}

// fakeRelayServer accepts exactly one connection, performs the server
// side of the handshake, and echoes any SendPacket frame back as a
// RecvPacket whose source is the client's own key.
func fakeRelayServer(t *testing.T, ln net.Listener, relayKey wgkey.Public) {
	t.Helper()

	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	require.NoError(t, writeFrame(conn, FrameServerKey, relayKey[:]))
	require.NoError(t, writeFrame(conn, FrameServerInfo, []byte(`{"version":2}`)))

	clientInfo, err := readFrame(conn)
	require.NoError(t, err)
	require.Equal(t, FrameClientInfo, clientInfo.Type)

	for {
		f, err := readFrame(conn)
		if err != nil {
			return
		}
		switch f.Type {
		case FrameSendPacket:
			var dst wgkey.Public
			copy(dst[:], f.Payload[:KeyLen])
			echoPayload := append(append([]byte{}, clientInfo.Payload[:KeyLen]...), f.Payload[KeyLen:]...)
			if err := writeFrame(conn, FrameRecvPacket, echoPayload); err != nil {
				return
			}
		case FrameKeepAlive, FrameWatchConns:
			// no-op
		default:
			return
		}
	}
}

func TestClientHandshakeAndEchoRoundTrip(t *testing.T) {
	serverTLS, clientTLS := selfSignedTLSConfig(t)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	defer ln.Close()

	relayPriv, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	go fakeRelayServer(t, ln, relayPriv.Public())

	localPriv, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, Config{
		Addr:      ln.Addr().String(),
		LocalKey:  localPriv.Public(),
		TLSConfig: clientTLS,
		KeepAlive: time.Hour,
	})
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, relayPriv.Public(), client.ServerKey())

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- client.Run(ctx) }()

	remotePeer, err := wgkey.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, client.Send(ctx, remotePeer.Public(), []byte("ping")))

	select {
	case pkt := <-client.Inbound():
		assert.Equal(t, []byte("ping"), pkt.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed packet")
	}

	cancel()
	<-runErrCh
}

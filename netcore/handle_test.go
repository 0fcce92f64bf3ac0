package netcore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRecvRoundTripPlainTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write(buf)
	}()

	h, err := Init(nil)
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, h.Connect(context.Background(), "127.0.0.1", addr.Port, time.Second))
	defer h.Close()

	require.NoError(t, h.Send([]byte("hello"), time.Second))

	got := make([]byte, 5)
	n, err := h.Recv(got, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(got))

	<-serverDone
}

func TestRecvTimesOutWithNoData(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(200 * time.Millisecond)
	}()

	h, err := Init(nil)
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, h.Connect(context.Background(), "127.0.0.1", addr.Port, time.Second))
	defer h.Close()

	buf := make([]byte, 16)
	_, err = h.Recv(buf, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSendWithoutConnectFails(t *testing.T) {
	h, err := Init(nil)
	require.NoError(t, err)
	err = h.Send([]byte("x"), time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestInitRejectsUnreadableCAPath(t *testing.T) {
	_, err := Init(&TLSConfig{CACertPath: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}

// selfSignedCert builds an in-memory self-signed certificate/key pair
// for a loopback TLS test, so the suite needs no fixture files on
// disk.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        cert,
	}
}

func TestTLSHandshakeRoundTrip(t *testing.T) {
	serverCert := selfSignedCert(t)
	serverTLS := &tls.Config{Certificates: []tls.Certificate{serverCert}}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write(buf)
	}()

	pool := x509.NewCertPool()
	pool.AddCert(serverCert.Leaf)

	h := &Handle{tlsC: &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}}
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, h.Connect(context.Background(), "127.0.0.1", addr.Port, time.Second))
	defer h.Close()

	require.NoError(t, h.Send([]byte("ping"), time.Second))
	got := make([]byte, 4)
	n, err := h.Recv(got, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got[:n]))
}

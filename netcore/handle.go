// Package netcore implements the blocking-with-timeout TCP+TLS
// transport of spec.md §4.4: a single network handle the MQTT client
// state machine rides on top of.
//
// The single-mutex, serialise-all-I/O shape is grounded on
// npi_phy.go's discipline of routing all physical-layer I/O through
// one owner; here that owner is a sync.Mutex rather than a dedicated
// goroutine, since a TCP/TLS handle has no natural analogue to NPI's
// squelch/flow-control signalling.
package netcore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Errors returned by Handle's lifecycle and I/O methods.
var (
	ErrNotConnected = errors.New("netcore: not connected")
	ErrClosed       = errors.New("netcore: handle closed")
	ErrTimeout      = errors.New("netcore: i/o timed out")
)

// TLSConfig names the material init() parses once, per spec.md §4.4:
// an optional CA chain (for server verification) and an optional
// client certificate + key (for mutual TLS). ServerName overrides the
// hostname used for certificate verification, matching a deployment
// where the dial address and the certificate's subject differ.
//
// Each of CA/client cert/client key may be supplied either as a file
// path (loaded once here) or as a raw PEM buffer already held in
// memory, per spec.md §6. When both a path and a buffer are set for
// the same material, the path wins.
type TLSConfig struct {
	CACertPath     string
	ClientCertPath string
	ClientKeyPath  string
	CACertPEM      []byte
	ClientCertPEM  []byte
	ClientKeyPEM   []byte
	ServerName     string
	// InsecureSkipVerify exists only for lab/test benches that speak
	// TLS without a trusted chain; production configs leave it false.
	InsecureSkipVerify bool
}

// Handle is one TCP (optionally TLS) connection, reusable across
// reconnects: init() parses TLS material once, and connect()/close()
// may be called repeatedly without re-parsing it (spec.md §3's
// "Network handle" invariant).
type Handle struct {
	mu   sync.Mutex
	conn net.Conn
	tlsC *tls.Config
}

// Init parses the TLS material described by cfg, if any. A nil cfg
// means every subsequent Connect is a plain TCP connection.
func Init(cfg *TLSConfig) (*Handle, error) {
	h := &Handle{}
	if cfg == nil {
		return h, nil
	}
	tlsC := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	caPEM := cfg.CACertPEM
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("netcore: read CA cert: %w", err)
		}
		caPEM = pem
	}
	if len(caPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("netcore: no usable certificates in CA material")
		}
		tlsC.RootCAs = pool
	}

	certPEM, keyPEM := cfg.ClientCertPEM, cfg.ClientKeyPEM
	if cfg.ClientCertPath != "" {
		pem, err := os.ReadFile(cfg.ClientCertPath)
		if err != nil {
			return nil, fmt.Errorf("netcore: read client cert: %w", err)
		}
		certPEM = pem
	}
	if cfg.ClientKeyPath != "" {
		pem, err := os.ReadFile(cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("netcore: read client key: %w", err)
		}
		keyPEM = pem
	}
	if len(certPEM) > 0 {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("netcore: load client cert/key: %w", err)
		}
		tlsC.Certificates = []tls.Certificate{cert}
	}
	h.tlsC = tlsC
	return h, nil
}

// Connect dials host:port with a connect-phase timeout, then performs
// the TLS handshake if this handle was initialised with TLS material.
// Re-entrant across reconnects: the parsed tls.Config is reused, only
// the session state resets.
func (h *Handle) Connect(ctx context.Context, host string, port int, timeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dialer := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("netcore: dial %s: %w", addr, err)
	}

	if h.tlsC != nil {
		tlsConn := tls.Client(conn, h.tlsC)
		if err := tlsConn.SetDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()
			return err
		}
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return fmt.Errorf("netcore: TLS handshake: %w", err)
		}
		_ = tlsConn.SetDeadline(time.Time{})
		h.conn = tlsConn
	} else {
		h.conn = conn
	}
	return nil
}

// Send loops until every byte of buf is written, the timeout elapses,
// or a write errors, per spec.md §4.4's blocking-with-timeout I/O
// contract. Short writes are retried within the remaining budget.
func (h *Handle) Send(buf []byte, timeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(timeout)
	total := 0
	for total < len(buf) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		if err := h.conn.SetWriteDeadline(time.Now().Add(remaining)); err != nil {
			return err
		}
		n, err := h.conn.Write(buf[total:])
		total += n
		if err != nil {
			if isTimeout(err) {
				return ErrTimeout
			}
			return err
		}
	}
	return nil
}

// Recv reads up to len(buf) bytes, returning as soon as at least one
// byte has arrived and no more is immediately available, or when the
// timeout elapses with zero bytes read. Once the first byte has
// arrived, subsequent iterations use a short idle timeout so a slow
// tail does not force the full wall-clock wait, per spec.md §4.4.
func (h *Handle) Recv(buf []byte, timeout time.Duration) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return 0, ErrNotConnected
	}

	const idleTimeout = 20 * time.Millisecond
	deadline := time.Now().Add(timeout)
	total := 0
	for total < len(buf) {
		perIter := time.Until(deadline)
		if total > 0 && perIter > idleTimeout {
			perIter = idleTimeout
		}
		if perIter <= 0 {
			break
		}
		if err := h.conn.SetReadDeadline(time.Now().Add(perIter)); err != nil {
			return total, err
		}
		n, err := h.conn.Read(buf[total:])
		total += n
		if err != nil {
			if isTimeout(err) {
				if total > 0 {
					return total, nil
				}
				continue
			}
			return total, err
		}
	}
	if total == 0 {
		return 0, ErrTimeout
	}
	return total, nil
}

// Close shuts down and closes the socket but keeps the parsed TLS
// material so a subsequent Connect can reuse it without re-parsing.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}

// Deinit releases the parsed TLS state. After Deinit the handle must
// not be reused.
func (h *Handle) Deinit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tlsC = nil
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, io.ErrClosedPipe)
}

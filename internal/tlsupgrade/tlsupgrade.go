// Package tlsupgrade promotes an established TCP socket to a mutually
// authenticated TLS stream, honoring the peer ecosystem's inverted role
// convention: the side that dialed out becomes the TLS server, the side
// that accepted becomes the TLS client (spec.md §4.D, §9).
package tlsupgrade

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"time"

	"github.com/hansonxyz/xyzconnect-sub001/internal/xerrors"
)

// DefaultHandshakeTimeout bounds a handshake when the caller does not
// supply one.
const DefaultHandshakeTimeout = 10 * time.Second

// Params configures a single upgrade call.
type Params struct {
	CertPEM  []byte
	KeyPEM   []byte
	IsServer bool
	Timeout  time.Duration
}

// Upgrade promotes conn to TLS per Params, blocking until the handshake
// completes, the timeout elapses, or the context is canceled. Trust is not
// evaluated here — chain verification is disabled and left to the caller,
// which authenticates the peer by checking trust-store presence after the
// handshake (§4.D).
func Upgrade(ctx context.Context, conn net.Conn, p Params) (*tls.Conn, error) {
	cert, err := tls.X509KeyPair(p.CertPEM, p.KeyPEM)
	if err != nil {
		return nil, xerrors.NewNetworkError(xerrors.NetworkConnectionFailed, "parse local keypair", err)
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}

	cfg := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		ClientAuth:         tls.RequireAnyClientCert,
		MinVersion:         tls.VersionTLS12,
	}

	var tlsConn *tls.Conn
	if p.IsServer {
		tlsConn = tls.Server(conn, cfg)
	} else {
		tlsConn = tls.Client(conn, cfg)
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- tlsConn.HandshakeContext(hctx) }()

	select {
	case err := <-done:
		if err != nil {
			_ = conn.Close()
			return nil, xerrors.NewNetworkError(xerrors.NetworkTimeout, "tls handshake failed", err)
		}
		return tlsConn, nil
	case <-hctx.Done():
		_ = conn.Close()
		return nil, xerrors.NewNetworkError(xerrors.NetworkTimeout, "tls handshake timed out", hctx.Err())
	}
}

// PeerCertPEM re-serializes the peer's leaf certificate as PEM.
func PeerCertPEM(conn *tls.Conn) ([]byte, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, xerrors.NewProtocolError(xerrors.ProtocolInvalidIdentity, "handshake produced no peer certificate")
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: state.PeerCertificates[0].Raw,
	}), nil
}

// PeerDeviceID returns the CN of the peer's leaf certificate, which the
// protocol binds to the peer's deviceId.
func PeerDeviceID(conn *tls.Conn) (string, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", xerrors.NewProtocolError(xerrors.ProtocolInvalidIdentity, "handshake produced no peer certificate")
	}
	return state.PeerCertificates[0].Subject.CommonName, nil
}

// ParsePeerCertificate parses the peer certificate PEM returned by
// PeerCertPEM, for callers (pairing, trust store) that need the
// *x509.Certificate rather than raw bytes.
func ParsePeerCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, xerrors.NewProtocolError(xerrors.ProtocolInvalidIdentity, "not a PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

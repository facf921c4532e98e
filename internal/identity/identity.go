// Package identity manages this daemon's durable cryptographic identity:
// a random device id, a self-signed X.509 certificate keyed by RSA, and the
// SPKI-DER hex extraction the pairing verification key is built from.
//
// Persistence layout mirrors spec.md §6: <dataDir>/device.id (text),
// <dataDir>/privatekey.pem (0600), <dataDir>/certificate.pem (0644).
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	deviceIDBytes  = 16
	rsaKeyBits     = 2048
	certValidity   = 10 * 365 * 24 * time.Hour
	privateKeyMode = 0o600
	certMode       = 0o644
)

// GenerateDeviceID returns 32 lowercase hex characters derived from 16
// cryptographically random bytes.
func GenerateDeviceID() (string, error) {
	buf := make([]byte, deviceIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// LoadOrCreateDeviceID reads <dir>/device.id, creating and persisting a
// fresh id on first use.
func LoadOrCreateDeviceID(dir string) (string, error) {
	path := filepath.Join(dir, "device.id")
	b, err := os.ReadFile(path)
	if err == nil {
		return string(b), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id, err := GenerateDeviceID()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// GenerateCertificate produces an RSA-2048 self-signed X.509 certificate
// with CN=deviceId, SHA-256 signature, and a 10-year validity window. It
// returns the PEM-encoded certificate and private key alongside the parsed
// *x509.Certificate and *rsa.PrivateKey.
func GenerateCertificate(deviceID string) (certPEM, keyPEM []byte, cert *x509.Certificate, key *rsa.PrivateKey, err error) {
	key, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: deviceID},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	cert, err = x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, cert, key, nil
}

// LoadOrCreateCertificate loads certPath/keyPath if present, otherwise
// generates and persists a fresh certificate for deviceID. Private key
// files are written 0600, certificates 0644.
func LoadOrCreateCertificate(certPath, keyPath, deviceID string) (certPEM, keyPEM []byte, err error) {
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		return certPEM, keyPEM, nil
	}

	certPEM, keyPEM, _, _, err = GenerateCertificate(deviceID)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create cert dir: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, privateKeyMode); err != nil {
		return nil, nil, fmt.Errorf("persist private key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, certMode); err != nil {
		return nil, nil, fmt.Errorf("persist certificate: %w", err)
	}
	return certPEM, keyPEM, nil
}

// GetPublicKeyDERHex parses a PEM-encoded certificate and returns the
// hex-encoded DER bytes of its Subject Public Key Info — the exact input
// the pairing verification key is derived from.
func GetPublicKeyDERHex(certPEM []byte) (string, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(cert.RawSubjectPublicKeyInfo), nil
}

// ParseCertificatePEM decodes a single PEM CERTIFICATE block.
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

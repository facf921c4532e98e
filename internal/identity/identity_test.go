package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateDeviceIDShape(t *testing.T) {
	id, err := GenerateDeviceID()
	require.NoError(t, err)
	require.Len(t, id, 32)
}

func TestLoadOrCreateDeviceIDPersists(t *testing.T) {
	dir := t.TempDir()
	id1, err := LoadOrCreateDeviceID(dir)
	require.NoError(t, err)
	id2, err := LoadOrCreateDeviceID(dir)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestGenerateCertificateCommonName(t *testing.T) {
	certPEM, keyPEM, cert, _, err := GenerateCertificate("mydeviceid0123456789abcdef012345")
	require.NoError(t, err)
	require.NotEmpty(t, certPEM)
	require.NotEmpty(t, keyPEM)
	require.Equal(t, "mydeviceid0123456789abcdef012345", cert.Subject.CommonName)
}

func TestLoadOrCreateCertificatePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "certificate.pem")
	keyPath := filepath.Join(dir, "privatekey.pem")

	certPEM1, keyPEM1, err := LoadOrCreateCertificate(certPath, keyPath, "deviceabc0123456789abcdef0123456")
	require.NoError(t, err)

	certPEM2, keyPEM2, err := LoadOrCreateCertificate(certPath, keyPath, "deviceabc0123456789abcdef0123456")
	require.NoError(t, err)

	require.Equal(t, certPEM1, certPEM2)
	require.Equal(t, keyPEM1, keyPEM2)
}

func TestGetPublicKeyDERHexDeterministicPerCert(t *testing.T) {
	certPEM, _, _, _, err := GenerateCertificate("deviceabc0123456789abcdef0123456")
	require.NoError(t, err)

	h1, err := GetPublicKeyDERHex(certPEM)
	require.NoError(t, err)
	h2, err := GetPublicKeyDERHex(certPEM)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.NotEmpty(t, h1)
}

package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConfig(t *testing.T) {
	t.Parallel()

	cfg := ClientConfig("smtp.example.com", true)
	assert.Equal(t, "smtp.example.com", cfg.ServerName)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, uint16(standardtls.VersionTLS12), cfg.MinVersion)

	strict := ClientConfig("smtp.example.com", false)
	assert.False(t, strict.InsecureSkipVerify)
}

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("relay.test", "127.0.0.1")
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	assert.Equal(t, "relay.test", leaf.Subject.CommonName)
	assert.Equal(t, leaf.Subject.CommonName, leaf.Issuer.CommonName)
	assert.Equal(t, []string{"relay.test"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	key, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok, "public key is not ECDSA")
	assert.Equal(t, elliptic.P256(), key.Curve)
}

func TestGenerateSelfSignedCert_DefaultHosts(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "localhost", leaf.Subject.CommonName)
	assert.Contains(t, leaf.DNSNames, "localhost")
}

func TestServerConfig_Generated(t *testing.T) {
	t.Parallel()

	cfg, err := ServerConfig("", "")
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(standardtls.VersionTLS12), cfg.MinVersion)
}

func TestServerConfig_FromFiles(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	cfg, err := ServerConfig(certPath, keyPath)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
}

func TestServerConfig_Errors(t *testing.T) {
	t.Parallel()

	_, err := ServerConfig("/nonexistent/cert.pem", "/nonexistent/key.pem")
	assert.Error(t, err)

	_, err = ServerConfig("only-cert.pem", "")
	assert.Error(t, err)
}

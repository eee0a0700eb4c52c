// Package tls builds the TLS configurations used on both ends of a relay
// session: the client side used by the transport for STARTTLS, and the server
// side used by the in-process test relay.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// certValidity is how long generated certificates stay valid.
const certValidity = 24 * time.Hour

// ClientConfig returns the tls.Config used when upgrading a relay connection.
// When insecureSkipVerify is set the relay certificate chain is not checked,
// which lets the service run behind intercepting corporate proxies.
func ClientConfig(serverName string, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecureSkipVerify, //nolint:gosec // opt-in via SMTP_TLS_INSECURE
		MinVersion:         tls.VersionTLS12,
	}
}

// GenerateSelfSignedCert creates an in-memory ECDSA P-256 certificate for the
// given hosts. IP literals become IP SANs, everything else DNS SANs. The first
// host is used as the common name.
func GenerateSelfSignedCert(hosts ...string) (*tls.Certificate, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0]},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
	if err != nil {
		return nil, fmt.Errorf("build key pair: %w", err)
	}
	return &cert, nil
}

// ServerConfig loads a key pair from disk, or generates a self-signed one for
// localhost when both paths are empty.
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	var cert tls.Certificate

	switch {
	case certFile == "" && keyFile == "":
		generated, err := GenerateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		cert = *generated
	case certFile == "" || keyFile == "":
		return nil, fmt.Errorf("both certificate and key files are required")
	default:
		for _, f := range []string{certFile, keyFile} {
			if _, err := os.Stat(f); err != nil {
				return nil, fmt.Errorf("tls file: %w", err)
			}
		}
		loaded, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		cert = loaded
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

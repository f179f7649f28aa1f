// Package certs loads the mutual-TLS material for master/replica traffic and
// can generate a throwaway CA with server and client certificates.
package certs

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
	"path/filepath"
	"time"

	"google.golang.org/grpc/credentials"
)

// Files names the PEM files of one node. Every node presents the same
// certificate as server and as client, so a single pair serves both roles.
type Files struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether TLS is configured at all.
func (f Files) Enabled() bool {
	return f.CAFile != "" || f.CertFile != "" || f.KeyFile != ""
}

// Validate checks that either all or none of the files are set.
func (f Files) Validate() error {
	if f.Enabled() && (f.CAFile == "" || f.CertFile == "" || f.KeyFile == "") {
		return fmt.Errorf("tls: ca_file, cert_file and key_file must be set together")
	}
	return nil
}

// ServerCredentials returns gRPC server credentials, or nil when TLS is off.
func (f Files) ServerCredentials() (credentials.TransportCredentials, error) {
	if !f.Enabled() {
		return nil, nil
	}
	cfg, err := LoadServerTLSConfig(f.CAFile, f.CertFile, f.KeyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

// ClientCredentials returns gRPC client credentials, or nil when TLS is off.
func (f Files) ClientCredentials() (credentials.TransportCredentials, error) {
	if !f.Enabled() {
		return nil, nil
	}
	cfg, err := LoadClientTLSConfig(f.CAFile, f.CertFile, f.KeyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

// LoadServerTLSConfig returns a server config that presents the node
// certificate and requires clients to present one signed by the CA.
func LoadServerTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	cert, pool, err := loadNode(caFile, certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadClientTLSConfig returns a client config that presents the node
// certificate and verifies servers against the CA.
func LoadClientTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	cert, pool, err := loadNode(caFile, certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadNode(caFile, certFile, keyFile string) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("could not load key pair %s: %w", certFile, err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("could not read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return cert, pool, nil
}

// GenerateCerts writes a fresh CA and one node certificate signed by it into
// dir and returns their paths. The node certificate is valid for localhost
// and the loopback addresses, for serving and for dialling. It is meant for
// tests and local clusters.
func GenerateCerts(dir string) (Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Files{}, err
	}
	files := Files{
		CAFile:   filepath.Join(dir, "ca.crt"),
		CertFile: filepath.Join(dir, "node.crt"),
		KeyFile:  filepath.Join(dir, "node.key"),
	}

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Files{}, err
	}
	caTemplate := &x509.Certificate{
		Subject:               pkix.Name{Organization: []string{"twopc local CA"}},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDER, caCert, err := sign(caTemplate, nil, &caKey.PublicKey, caKey)
	if err != nil {
		return Files{}, fmt.Errorf("create CA certificate: %w", err)
	}

	nodeKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Files{}, err
	}
	nodeTemplate := &x509.Certificate{
		Subject:     pkix.Name{CommonName: "localhost"},
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	nodeDER, _, err := sign(nodeTemplate, caCert, &nodeKey.PublicKey, caKey)
	if err != nil {
		return Files{}, fmt.Errorf("create node certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(nodeKey)
	if err != nil {
		return Files{}, err
	}

	for _, out := range []struct {
		path      string
		blockType string
		der       []byte
		perm      os.FileMode
	}{
		{files.CAFile, "CERTIFICATE", caDER, 0o644},
		{files.CertFile, "CERTIFICATE", nodeDER, 0o644},
		{files.KeyFile, "EC PRIVATE KEY", keyDER, 0o600},
	} {
		data := pem.EncodeToMemory(&pem.Block{Type: out.blockType, Bytes: out.der})
		if err := os.WriteFile(out.path, data, out.perm); err != nil {
			return Files{}, err
		}
	}
	return files, nil
}

// sign fills in serial and validity and signs template with signerKey.
// A nil parent self-signs.
func sign(template, parent *x509.Certificate, pub *ecdsa.PublicKey, signerKey *ecdsa.PrivateKey) ([]byte, *x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	template.SerialNumber = serial
	template.NotBefore = time.Now().Add(-time.Minute)
	template.NotAfter = time.Now().AddDate(1, 0, 0)
	if parent == nil {
		parent = template
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signerKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	return der, cert, err
}

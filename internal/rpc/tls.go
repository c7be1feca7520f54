package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TLSConfig names the PEM files securing the management API.
//
// PrivKey and CertChain enable TLS. RootCert additionally requires and
// verifies client certificates on the server, and verifies the server on the
// client.
type TLSConfig struct {
	RootCert  string `json:"root_cert,omitempty" yaml:"root_cert,omitempty"`
	PrivKey   string `json:"priv_key,omitempty" yaml:"priv_key,omitempty"`
	CertChain string `json:"cert_chain,omitempty" yaml:"cert_chain,omitempty"`
}

// Enabled reports whether a key pair is configured.
func (c TLSConfig) Enabled() bool {
	return c.PrivKey != "" || c.CertChain != ""
}

// Validate checks that the key pair is either complete or absent.
func (c TLSConfig) Validate() error {
	if (c.PrivKey == "") != (c.CertChain == "") {
		return errors.New("priv_key and cert_chain must be set together")
	}
	return nil
}

// ServerCredentials returns the server transport credentials. Without a key
// pair the server is plaintext.
func (c TLSConfig) ServerCredentials() (credentials.TransportCredentials, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if !c.Enabled() {
		if c.RootCert != "" {
			return nil, errors.New("root_cert requires priv_key and cert_chain")
		}
		return insecure.NewCredentials(), nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertChain, c.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.RootCert != "" {
		pool, err := loadPool(c.RootCert)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return credentials.NewTLS(cfg), nil
}

// ClientCredentials returns the client transport credentials. With neither a
// root certificate nor a key pair the client is plaintext.
func (c TLSConfig) ClientCredentials() (credentials.TransportCredentials, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if !c.Enabled() && c.RootCert == "" {
		return insecure.NewCredentials(), nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.RootCert != "" {
		pool, err := loadPool(c.RootCert)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if c.Enabled() {
		cert, err := tls.LoadX509KeyPair(c.CertChain, c.PrivKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(cfg), nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read root certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

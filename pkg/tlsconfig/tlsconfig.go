// Package tlsconfig builds TLS configurations for the poller's gRPC health
// endpoint and for probes that talk to it. The server encrypts the channel
// only; it does not ask clients for certificates.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

// Config holds PEM file paths. CAFile is read by clients only, to trust a
// server certificate that is not in the system pool.
type Config struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// Validate reports missing or unreadable files when TLS is enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	check := func(name, path string, required bool) {
		if path == "" {
			if required {
				errs = append(errs, fmt.Errorf("tls %s file not specified", name))
			}
			return
		}
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("tls %s file: %w", name, err))
		}
	}
	check("cert", c.CertFile, true)
	check("key", c.KeyFile, true)
	check("ca", c.CAFile, false)
	return errors.Join(errs...)
}

// Server returns a TLS 1.3 configuration presenting the key pair.
func (c Config) Server() (*tls.Config, error) {
	if !c.Enabled {
		return nil, errors.New("tls not enabled")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Client returns a configuration that verifies the server against CAFile,
// or the system pool when CAFile is empty. serverName overrides the
// verified host name when non-empty.
func (c Config) Client(serverName string) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS13}
	if c.CAFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("failed to parse CA certificate")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// ServerCredentials wraps Server for grpc.Creds.
func (c Config) ServerCredentials() (credentials.TransportCredentials, error) {
	cfg, err := c.Server()
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

// ClientCredentials wraps Client for grpc.WithTransportCredentials.
func (c Config) ClientCredentials(serverName string) (credentials.TransportCredentials, error) {
	cfg, err := c.Client(serverName)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

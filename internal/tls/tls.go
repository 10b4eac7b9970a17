// Package tls builds the daemon's HTTPS configuration from config.TLSConfig.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/aiengine/internal/config"
)

// File names used inside TLSConfig.Dir.
const (
	CACertFile = "tls_ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}

// Setup returns the server TLS config, or nil when TLS is disabled.
// Certificates are read on every handshake so a rotated pair is picked up
// without a restart.
func Setup(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := c.CertFile, c.KeyFile
	switch {
	case certPath != "" && keyPath != "":
	case c.Dir != "":
		certPath, keyPath = filepath.Join(c.Dir, CertFile), filepath.Join(c.Dir, KeyFile)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := GenerateSelfSigned(c.Dir, c.Hosts, c.ValidDays); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
	}

	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	}, nil
}

// ClientConfig trusts the PEM certificates in caFile. An empty caFile uses
// the system roots.
func ClientConfig(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}
	pem, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

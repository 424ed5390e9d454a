// Package tls builds the HTTPS configuration for the control API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/portswitch/internal/config"
)

const (
	caCertName = "tls_ca.crt"
	certName   = "tls.crt"
	keyName    = "tls.key"

	defaultValidDays = 365
)

var ErrNoCertificate = errors.New("tls enabled but no certificate configured")

func parseVersion(ver string) (uint16, bool) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "", "default":
		return 0, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// versions defaults to TLS 1.2..1.3; browsers hitting the API still speak 1.2.
func versions(cfg config.TLSConfig) (minVer, maxVer uint16) {
	minVer, maxVer = tls.VersionTLS12, tls.VersionTLS13
	if v, ok := parseVersion(cfg.MinVersion); ok {
		minVer = v
	}
	if v, ok := parseVersion(cfg.MaxVersion); ok {
		maxVer = v
	}
	return minVer, maxVer
}

// Paths returns the certificate and key files cfg resolves to.
func Paths(cfg config.TLSConfig) (certPath, keyPath string) {
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return cfg.CertFile, cfg.KeyFile
	}
	if cfg.Dir == "" {
		return "", ""
	}
	return filepath.Join(cfg.Dir, certName), filepath.Join(cfg.Dir, keyName)
}

// Setup returns the server tls.Config, or nil when TLS is disabled.
// Certificates are reloaded on every handshake so a renewed pair is picked
// up without a restart.
func Setup(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	certPath, keyPath := Paths(cfg)
	if certPath == "" {
		return nil, ErrNoCertificate
	}
	if cfg.AutoGenerate && cfg.Dir != "" && !exists(certPath, keyPath) {
		if err := generate(cfg); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := loadPair(certPath, keyPath); err != nil {
		return nil, err
	}
	minVer, maxVer := versions(cfg)
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return loadPair(certPath, keyPath)
		},
		MinVersion: minVer,
		MaxVersion: maxVer,
	}, nil
}

func loadPair(certPath, keyPath string) (*tls.Certificate, error) {
	certPEM, err := os.ReadFile(filepath.Clean(certPath))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Clean(keyPath))
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse key pair: %w", err)
	}
	return &pair, nil
}

func exists(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generate(cfg config.TLSConfig) error {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	days := cfg.ValidDays
	if days <= 0 {
		days = defaultValidDays
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   hosts[0],
		Organization: "portswitch",
		Hosts:        hosts,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(cfg.Dir, certName),
		KeyPath:      filepath.Join(cfg.Dir, keyName),
		CACertPath:   filepath.Join(cfg.Dir, caCertName),
	})
}

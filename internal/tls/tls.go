// Package tls builds the admin API's server TLS configuration.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/craftd/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// parseTLSVersion maps a config string to a crypto/tls constant.
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// resolveTLSVersions defaults to 1.2 through 1.3.
func resolveTLSVersions(cfg config.ServerConfig) (minVer, maxVer uint16, err error) {
	minVer, maxVer = tls.VersionTLS12, tls.VersionTLS13
	if cfg.TLSMinVersion != "" {
		v, ok := parseTLSVersion(cfg.TLSMinVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unsupported tls_min_version %q", cfg.TLSMinVersion)
		}
		minVer = v
	}
	if cfg.TLSMaxVersion != "" {
		v, ok := parseTLSVersion(cfg.TLSMaxVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unsupported tls_max_version %q", cfg.TLSMaxVersion)
		}
		maxVer = v
	}
	if minVer > maxVer {
		return 0, 0, errors.New("tls_min_version is above tls_max_version")
	}
	return minVer, maxVer, nil
}

// getCertificationFunc reloads the pair on every handshake so renewed files
// are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certificate, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, err
		}
		return &certificate, nil
	}
}

// SetupTLS returns nil when TLS is disabled. Explicit cert/key files take
// precedence over a certificate directory.
func SetupTLS(server config.ServerConfig) (*tls.Config, error) {
	if server.TLS == nil || !server.TLS.Enabled {
		return nil, nil
	}
	minVer, maxVer, err := resolveTLSVersions(server)
	if err != nil {
		return nil, err
	}

	if server.TLS.CertFile != "" && server.TLS.KeyFile != "" {
		return createTLSConfig(server.TLS.CertFile, server.TLS.KeyFile, minVer, maxVer)
	}

	if server.TLS.Dir != "" {
		keyPath := filepath.Join(server.TLS.Dir, tlsKey)
		certPath := filepath.Join(server.TLS.Dir, tlsCrt)
		if !certificatesExist(certPath, keyPath) {
			if !server.TLS.AutoGenerate {
				return nil, fmt.Errorf("no certificate in %s and auto_generate is off", server.TLS.Dir)
			}
			if err := generateCertificate(server.TLS, server.TLS.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		return createTLSConfig(certPath, keyPath, minVer, maxVer)
	}

	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

func createTLSConfig(certPath, keyPath string, minVer, maxVer uint16) (*tls.Config, error) {
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath)); err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

func generateCertificate(tlsConfig *config.TLSConfig, destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	autoGen := config.AutoGenTLS{}
	if tlsConfig.AutoGen != nil {
		autoGen = *tlsConfig.AutoGen
	}
	dnsNames := autoGen.DNSNames
	if len(dnsNames) == 0 {
		dnsNames = []string{"localhost"}
	}
	ips := autoGen.IPAddresses
	if len(ips) == 0 {
		ips = []string{"127.0.0.1", "::1"}
	}
	validDays := autoGen.ValidDays
	if validDays <= 0 {
		validDays = 365
	}

	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(autoGen.CommonName, "localhost"),
		Organization: orDefault(autoGen.Organization, "craftd"),
		DNSNames:     dnsNames,
		IPAddresses:  ips,
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}

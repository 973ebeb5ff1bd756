package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const certValidity = 365 * 24 * time.Hour

// tlsPaths returns the configured cert and key files, defaulting to
// roomgate.crt and roomgate.key in the data directory.
func tlsPaths(cfg Config) (certPath, keyPath string) {
	certPath, keyPath = cfg.CertFile, cfg.KeyFile
	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "roomgate.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "roomgate.key")
	}
	return certPath, keyPath
}

// loadOrGenerateTLS loads the key pair from disk. A missing or expired pair
// is replaced by a fresh self-signed one covering localhost and the listen
// host.
func loadOrGenerateTLS(cfg Config) (tls.Certificate, error) {
	certPath, keyPath := tlsPaths(cfg)

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	switch {
	case err == nil && cert.Leaf != nil && time.Now().After(cert.Leaf.NotAfter):
		slog.Warn("stored TLS certificate expired", "cert", certPath, "not_after", cert.Leaf.NotAfter)
	case err == nil:
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	case !errors.Is(err, os.ErrNotExist):
		slog.Warn("stored TLS certificate unusable", "cert", certPath, "err", err)
	}

	certPEM, keyPEM, err := selfSigned(certHosts(cfg.ListenAddr), time.Now(), certValidity)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := writeFile(certPath, 0o644, certPEM); err != nil {
		return tls.Certificate{}, err
	}
	if err := writeFile(keyPath, 0o600, keyPEM); err != nil {
		return tls.Certificate{}, err
	}
	slog.Info("generated self-signed TLS certificate", "cert", certPath, "key", keyPath)
	return tls.X509KeyPair(certPEM, keyPEM)
}

// certHosts lists the names a generated certificate is valid for.
func certHosts(listenAddr string) []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		return hosts
	}
	for _, h := range hosts {
		if h == host {
			return hosts
		}
	}
	return append(hosts, host)
}

// selfSigned creates a P-256 certificate and key, PEM encoded.
func selfSigned(hosts []string, now time.Time, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("serial number: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"roomgate"}, CommonName: hosts[0]},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create cert: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func writeFile(path string, perm os.FileMode, data []byte) error {
	if err := os.WriteFile(path, data, perm); err != nil { //nolint:gosec // path from server config
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

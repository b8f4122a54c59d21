package tlsutil

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/prasenjit/go-mockengine/internal/config"
)

func TestNewCertificates_StorePathDefault(t *testing.T) {
	c := NewCertificates(config.TLSConfig{}, "/tmp/data", nil)

	certPath, keyPath := c.Paths()
	if certPath != filepath.Join("/tmp/data", "certs", certFileName) {
		t.Errorf("Expected cert under data dir, got %q", certPath)
	}
	if keyPath != filepath.Join("/tmp/data", "certs", keyFileName) {
		t.Errorf("Expected key under data dir, got %q", keyPath)
	}
}

func TestNewCertificates_ConfiguredFiles(t *testing.T) {
	c := NewCertificates(config.TLSConfig{CertFile: "cert.pem", KeyFile: "key.pem", StorePath: "/tmp/certs"}, "/tmp/data", nil)

	certPath, keyPath := c.Paths()
	if certPath != "cert.pem" || keyPath != "key.pem" {
		t.Errorf("Expected configured files, got %q and %q", certPath, keyPath)
	}
}

func TestLoad_AutoGenerate(t *testing.T) {
	dir := t.TempDir()
	c := NewCertificates(config.TLSConfig{AutoGenerate: true, StorePath: dir}, "", nil)

	cert, err := c.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cert == nil {
		t.Fatal("Expected certificate, got nil")
	}

	for _, name := range []string{certFileName, keyFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("Expected %s to be written: %v", name, err)
		}
	}

	info, err := os.Stat(filepath.Join(dir, keyFileName))
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected key mode 0600, got %v", info.Mode().Perm())
	}
}

func TestLoad_ReusesStoredPair(t *testing.T) {
	dir := t.TempDir()
	first, err := NewCertificates(config.TLSConfig{AutoGenerate: true, StorePath: dir}, "", nil).Load()
	if err != nil {
		t.Fatalf("First load failed: %v", err)
	}

	second, err := NewCertificates(config.TLSConfig{StorePath: dir}, "", nil).Load()
	if err != nil {
		t.Fatalf("Second load failed: %v", err)
	}

	if string(first.Certificate[0]) != string(second.Certificate[0]) {
		t.Error("Expected the stored certificate to be reused")
	}
}

func TestLoad_NoCertificate(t *testing.T) {
	c := NewCertificates(config.TLSConfig{StorePath: t.TempDir()}, "", nil)

	_, err := c.Load()
	if !errors.Is(err, ErrNoCertificate) {
		t.Errorf("Expected ErrNoCertificate, got %v", err)
	}
}

func TestLoad_MissingConfiguredFiles(t *testing.T) {
	dir := t.TempDir()
	c := NewCertificates(config.TLSConfig{
		CertFile:     filepath.Join(dir, "missing.crt"),
		KeyFile:      filepath.Join(dir, "missing.key"),
		AutoGenerate: true,
	}, dir, nil)

	_, err := c.Load()
	if err == nil {
		t.Fatal("Expected error for missing configured files")
	}
	if errors.Is(err, ErrNoCertificate) {
		t.Error("Configured files should report the load failure, not ErrNoCertificate")
	}
}

func TestSelfSigned(t *testing.T) {
	extra := net.ParseIP("10.1.2.3")
	certPEM, keyPEM, err := SelfSigned([]net.IP{extra})
	if err != nil {
		t.Fatalf("SelfSigned failed: %v", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatal("Expected a PEM certificate block")
	}
	if keyBlock, _ := pem.Decode(keyPEM); keyBlock == nil || keyBlock.Type != "EC PRIVATE KEY" {
		t.Fatal("Expected a PEM EC key block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate failed: %v", err)
	}
	if cert.Subject.Organization[0] != "go-mockengine" {
		t.Errorf("Expected organization go-mockengine, got %v", cert.Subject.Organization)
	}
	if err := cert.VerifyHostname("localhost"); err != nil {
		t.Errorf("Expected localhost to verify: %v", err)
	}
	if err := cert.VerifyHostname("10.1.2.3"); err != nil {
		t.Errorf("Expected extra IP to verify: %v", err)
	}
}

func TestTLSConfig(t *testing.T) {
	c := NewCertificates(config.TLSConfig{AutoGenerate: true, StorePath: t.TempDir()}, "", nil)

	cfg, err := c.TLSConfig()
	if err != nil {
		t.Fatalf("TLSConfig failed: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Expected 1 certificate, got %d", len(cfg.Certificates))
	}
}

package tlsutil

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
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/prasenjit/go-mockengine/internal/config"
	"github.com/prasenjit/go-mockengine/internal/logging"
	"github.com/sirupsen/logrus"
)

const (
	certFileName = "server.crt"
	keyFileName  = "server.key"
	validFor     = 365 * 24 * time.Hour
)

// ErrNoCertificate is returned when no key pair exists and generation is off
var ErrNoCertificate = errors.New("no TLS certificate found and auto-generation is disabled")

// Certificates resolves the key pair HTTPS mock traffic is served with.
// Configured files win; otherwise a pair in the store directory is used,
// generated on first start when allowed.
type Certificates struct {
	certFile     string
	keyFile      string
	storePath    string
	autoGenerate bool
	log          *logrus.Entry
}

// NewCertificates creates a resolver for cfg. An empty cfg.StorePath falls
// back to dataDir/certs.
func NewCertificates(cfg config.TLSConfig, dataDir string, log *logrus.Entry) *Certificates {
	storePath := cfg.StorePath
	if storePath == "" {
		storePath = filepath.Join(dataDir, "certs")
	}
	return &Certificates{
		certFile:     cfg.CertFile,
		keyFile:      cfg.KeyFile,
		storePath:    storePath,
		autoGenerate: cfg.AutoGenerate,
		log:          logging.OrDiscard(log, "tls"),
	}
}

// Paths returns the certificate and key files in use
func (c *Certificates) Paths() (certPath, keyPath string) {
	if c.certFile != "" && c.keyFile != "" {
		return c.certFile, c.keyFile
	}
	return filepath.Join(c.storePath, certFileName), filepath.Join(c.storePath, keyFileName)
}

// Load returns the key pair, generating a self-signed one if needed
func (c *Certificates) Load() (*tls.Certificate, error) {
	certPath, keyPath := c.Paths()

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		return &cert, nil
	}
	if c.certFile != "" && c.keyFile != "" {
		return nil, fmt.Errorf("failed to load certificate from %s and %s: %w", certPath, keyPath, err)
	}
	if !c.autoGenerate {
		return nil, ErrNoCertificate
	}

	certPEM, keyPEM, err := SelfSigned(localIPs())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.storePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create certificate store directory: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return nil, fmt.Errorf("failed to save certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to save private key: %w", err)
	}
	c.log.WithField("cert", certPath).Info("Generated self-signed certificate")

	cert, err = tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}
	return &cert, nil
}

// TLSConfig returns a server configuration carrying the loaded key pair
func (c *Certificates) TLSConfig() (*tls.Config, error) {
	cert, err := c.Load()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}, nil
}

// SelfSigned creates a PEM encoded P-256 certificate and key valid for
// localhost, the loopback addresses and extra
func SelfSigned(extra []net.IP) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"go-mockengine"},
			CommonName:   "go-mockengine self-signed",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           append([]net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}, extra...),
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// localIPs lists the non-loopback interface addresses; errors yield none
func localIPs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}

	var ips []net.IP
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			ips = append(ips, ipnet.IP)
		}
	}
	return ips
}

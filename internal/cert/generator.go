// Package cert creates and checks the client certificate used for signed or
// encrypted OPC UA sessions.
package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the subject and key parameters of a generated certificate.
type Config struct {
	CommonName         string
	Organization       string
	OrganizationalUnit string
	Country            string
	ApplicationURI     string
	ValidityDays       int
	KeySize            int
}

// DefaultApplicationURI is urn:<hostname>:pipeline.
func DefaultApplicationURI() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "pipeline-client"
	}
	return fmt.Sprintf("urn:%s:pipeline", host)
}

// DefaultConfig follows the strict OPC UA client profile: the application URI
// as the only SAN, RSA 2048, ten years.
func DefaultConfig(appURI string) *Config {
	if strings.TrimSpace(appURI) == "" {
		appURI = DefaultApplicationURI()
	}
	return &Config{
		CommonName:         "Pipeline",
		Organization:       "Pipeline",
		OrganizationalUnit: "UAClient",
		Country:            "DE",
		ApplicationURI:     appURI,
		ValidityDays:       3650,
		KeySize:            2048,
	}
}

// Files are the paths written by Generate.
type Files struct {
	CertDER  string // client.der
	CertPEM  string // client.crt
	KeyPKCS1 string // client.key
}

// StorageDir returns <base>/certificates, creating it. An empty base selects
// the user config directory.
func StorageDir(base string) (string, error) {
	if base == "" {
		if cfg, err := os.UserConfigDir(); err == nil && cfg != "" {
			base = filepath.Join(cfg, "pipeline")
		} else {
			base = filepath.Join(os.TempDir(), "pipeline")
		}
	}
	dir := filepath.Join(base, "certificates")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create certificate dir: %w", err)
	}
	return dir, nil
}

func serial() *big.Int {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return new(big.Int).SetBytes(b)
}

func keyID(pub *rsa.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil
	}
	sum := sha1.Sum(der)
	return sum[:]
}

func writePEM(path, typ string, der []byte, mode os.FileMode) error {
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), mode)
}

// EnsureLocalCA creates ca.crt/ca.key below dir unless both exist.
func EnsureLocalCA(dir string) (crtPath, keyPath string, err error) {
	crtPath = filepath.Join(dir, "ca.crt")
	keyPath = filepath.Join(dir, "ca.key")
	if _, err1 := os.Stat(crtPath); err1 == nil {
		if _, err2 := os.Stat(keyPath); err2 == nil {
			return crtPath, keyPath, nil
		}
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("generate CA key: %w", err)
	}
	now := time.Now().UTC().Add(-5 * time.Minute)
	id := keyID(&key.PublicKey)
	tmpl := &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{CommonName: "Pipeline Local CA", Organization: []string{"Pipeline"}},
		NotBefore:             now,
		NotAfter:              now.Add(3650 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		SubjectKeyId:          id,
		AuthorityKeyId:        id,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("create CA certificate: %w", err)
	}
	if err := writePEM(crtPath, "CERTIFICATE", der, 0o644); err != nil {
		return "", "", err
	}
	if err := writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0o600); err != nil {
		return "", "", err
	}
	return crtPath, keyPath, nil
}

func loadCA(dir string) (*x509.Certificate, *rsa.PrivateKey, error) {
	crtPEM, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	if err != nil {
		return nil, nil, fmt.Errorf("read ca.crt: %w", err)
	}
	blk, _ := pem.Decode(crtPEM)
	if blk == nil || blk.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("invalid ca.crt")
	}
	crt, err := x509.ParseCertificate(blk.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse ca.crt: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, "ca.key"))
	if err != nil {
		return nil, nil, fmt.Errorf("read ca.key: %w", err)
	}
	kblk, _ := pem.Decode(keyPEM)
	if kblk == nil || kblk.Type != "RSA PRIVATE KEY" {
		return nil, nil, fmt.Errorf("invalid ca.key")
	}
	key, err := x509.ParsePKCS1PrivateKey(kblk.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse ca.key: %w", err)
	}
	return crt, key, nil
}

// Generate issues a client certificate signed by the local CA in dir,
// creating the CA first when needed.
func Generate(cfg *Config, dir string) (Files, error) {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Files{}, err
	}
	if _, _, err := EnsureLocalCA(dir); err != nil {
		return Files{}, err
	}
	caCrt, caKey, err := loadCA(dir)
	if err != nil {
		return Files{}, err
	}
	key, err := rsa.GenerateKey(rand.Reader, cfg.KeySize)
	if err != nil {
		return Files{}, fmt.Errorf("generate client key: %w", err)
	}
	now := time.Now().UTC().Add(-5 * time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber: serial(),
		Subject: pkix.Name{
			CommonName:         cfg.CommonName,
			Organization:       []string{cfg.Organization},
			OrganizationalUnit: []string{cfg.OrganizationalUnit},
			Country:            []string{cfg.Country},
		},
		NotBefore:             now,
		NotAfter:              now.Add(time.Duration(cfg.ValidityDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		SubjectKeyId:          keyID(&key.PublicKey),
		AuthorityKeyId:        caCrt.SubjectKeyId,
	}
	if u, err := url.Parse(strings.TrimSpace(cfg.ApplicationURI)); err == nil && u.String() != "" {
		tmpl.URIs = []*url.URL{u}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCrt, &key.PublicKey, caKey)
	if err != nil {
		return Files{}, fmt.Errorf("create client certificate: %w", err)
	}
	out := Files{
		CertDER:  filepath.Join(dir, "client.der"),
		CertPEM:  filepath.Join(dir, "client.crt"),
		KeyPKCS1: filepath.Join(dir, "client.key"),
	}
	if err := os.WriteFile(out.CertDER, der, 0o644); err != nil {
		return Files{}, err
	}
	if err := writePEM(out.CertPEM, "CERTIFICATE", der, 0o644); err != nil {
		return Files{}, err
	}
	if err := writePEM(out.KeyPKCS1, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0o600); err != nil {
		return Files{}, err
	}
	return out, nil
}

func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	der := data
	if blk, _ := pem.Decode(data); blk != nil && blk.Type == "CERTIFICATE" {
		der = blk.Bytes
	}
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return crt, nil
}

// Validate checks that the certificate is currently valid and matches the
// RSA key.
func Validate(certPath, keyPath string) error {
	crt, err := readCertificate(certPath)
	if err != nil {
		return err
	}
	now := time.Now()
	if now.Before(crt.NotBefore) {
		return fmt.Errorf("certificate is not yet valid (valid from %v)", crt.NotBefore)
	}
	if now.After(crt.NotAfter) {
		return fmt.Errorf("certificate has expired (expired on %v)", crt.NotAfter)
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	blk, _ := pem.Decode(keyData)
	if blk == nil {
		return fmt.Errorf("private key is not PEM encoded")
	}
	var key *rsa.PrivateKey
	switch blk.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(blk.Bytes)
	case "PRIVATE KEY":
		var k any
		if k, err = x509.ParsePKCS8PrivateKey(blk.Bytes); err == nil {
			var ok bool
			if key, ok = k.(*rsa.PrivateKey); !ok {
				return fmt.Errorf("private key is not RSA")
			}
		}
	default:
		return fmt.Errorf("unsupported private key type: %s", blk.Type)
	}
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	pub, ok := crt.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate does not contain an RSA public key")
	}
	if key.PublicKey.N.Cmp(pub.N) != 0 || key.PublicKey.E != pub.E {
		return fmt.Errorf("private key does not match certificate public key")
	}
	return nil
}

// Info describes a certificate for the status endpoint.
func Info(certPath string) (string, error) {
	crt, err := readCertificate(certPath)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", crt.Subject.String())
	fmt.Fprintf(&b, "Valid from: %s\n", crt.NotBefore.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Valid until: %s\n", crt.NotAfter.Format("2006-01-02 15:04:05"))
	for _, u := range crt.URIs {
		fmt.Fprintf(&b, "URI: %s\n", u.String())
	}
	return b.String(), nil
}

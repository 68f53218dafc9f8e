package opc

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gopcua/opcua"

	"github.com/SUNQC97/Pipeline-Code/internal/cert"
)

// Config holds the connection parameters of the OPC UA exchange server.
type Config struct {
	EndpointURL    string `mapstructure:"endpoint" json:"endpoint"`
	SecurityPolicy string `mapstructure:"security_policy" json:"security_policy"`
	SecurityMode   string `mapstructure:"security_mode" json:"security_mode"`
	AuthMode       string `mapstructure:"auth_mode" json:"auth_mode"` // "Anonymous", "Username"
	Username       string `mapstructure:"username" json:"username"`
	Password       string `mapstructure:"password" json:"-"`
	// Some servers only accept the exact UserIdentityToken PolicyID.
	UserTokenPolicyID string  `mapstructure:"user_token_policy_id" json:"user_token_policy_id,omitempty"`
	CertFile          string  `mapstructure:"cert_file" json:"cert_file,omitempty"`
	KeyFile           string  `mapstructure:"key_file" json:"key_file,omitempty"`
	CertDir           string  `mapstructure:"cert_dir" json:"cert_dir,omitempty"`
	AutoGenerateCert  bool    `mapstructure:"auto_generate_cert" json:"auto_generate_cert"`
	ApplicationURI    string  `mapstructure:"application_uri" json:"application_uri,omitempty"`
	ProductURI        string  `mapstructure:"product_uri" json:"product_uri,omitempty"`
	SessionName       string  `mapstructure:"session_name" json:"session_name,omitempty"`
	SessionTimeout    uint32  `mapstructure:"session_timeout" json:"session_timeout,omitempty"` // seconds
	ConnectTimeout    float64 `mapstructure:"connect_timeout" json:"connect_timeout,omitempty"` // seconds
	// RetryAttempts of 0 or 1 means a single attempt.
	RetryAttempts     int     `mapstructure:"retry_attempts" json:"retry_attempts,omitempty"`
	RetryDelaySeconds float64 `mapstructure:"retry_delay_seconds" json:"retry_delay_seconds,omitempty"`
	// Namespace of the Kanal and audit objects.
	Namespace uint16 `mapstructure:"namespace" json:"namespace"`
}

const policyPrefix = "http://opcfoundation.org/UA/SecurityPolicy#"

func normalizePolicy(policy, mode string) (string, error) {
	pol := strings.ReplaceAll(strings.TrimSpace(policy), " ", "")
	switch strings.ToLower(pol) {
	case "", "auto":
		if mode == "None" {
			return "None", nil
		}
		return "", fmt.Errorf("security policy required for mode %s", mode)
	case "none":
		return "None", nil
	case "basic128rsa15":
		return policyPrefix + "Basic128Rsa15", nil
	case "basic256":
		return policyPrefix + "Basic256", nil
	case "basic256sha256":
		return policyPrefix + "Basic256Sha256", nil
	case "aes128_sha256_rsaoaep", "aes128sha256rsaoaep":
		return policyPrefix + "Aes128_Sha256_RsaOaep", nil
	case "aes256_sha256_rsapss", "aes256sha256rsapss":
		return policyPrefix + "Aes256_Sha256_RsaPss", nil
	}
	if strings.HasPrefix(strings.ToLower(pol), "http") {
		return pol, nil
	}
	return "", fmt.Errorf("unsupported security policy: %s", policy)
}

func normalizeMode(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "auto", "none":
		return "None", nil
	case "sign":
		return "Sign", nil
	case "signandencrypt":
		return "SignAndEncrypt", nil
	}
	return "", fmt.Errorf("unsupported security mode: %s", mode)
}

// ToOpcuaOptions converts the config into client options.
func (c *Config) ToOpcuaOptions() ([]opcua.Option, error) {
	var opts []opcua.Option

	appURI := c.ApplicationURI
	if appURI == "" {
		appURI = cert.DefaultApplicationURI()
	}
	if c.ProductURI != "" {
		opts = append(opts, opcua.ProductURI(c.ProductURI))
	}
	if c.SessionTimeout > 0 {
		opts = append(opts, opcua.SessionTimeout(time.Duration(c.SessionTimeout)*time.Second))
	}
	if c.ConnectTimeout > 0 {
		opts = append(opts, opcua.DialTimeout(time.Duration(c.ConnectTimeout*float64(time.Second))))
	}

	mode, err := normalizeMode(c.SecurityMode)
	if err != nil {
		return nil, err
	}
	pol, err := normalizePolicy(c.SecurityPolicy, mode)
	if err != nil {
		return nil, err
	}
	opts = append(opts, opcua.SecurityPolicy(pol), opcua.SecurityModeString(mode))

	// Signed sessions work without a client certificate on lenient servers.
	if mode != "None" && c.CertFile != "" && c.KeyFile != "" {
		key, der, leaf, err := loadKeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opcua.PrivateKey(key), opcua.Certificate(der))
		// the server checks the application URI against the certificate SAN
		if len(leaf.URIs) > 0 && leaf.URIs[0] != nil && leaf.URIs[0].String() != "" {
			appURI = leaf.URIs[0].String()
		}
	}
	opts = append(opts, opcua.ApplicationURI(appURI))

	if sn := strings.TrimSpace(c.SessionName); sn != "" {
		opts = append(opts, opcua.SessionName(sn))
	} else {
		opts = append(opts, opcua.SessionName(appURI))
	}

	switch strings.ToLower(strings.TrimSpace(c.AuthMode)) {
	case "username":
		opts = append(opts, opcua.AuthUsername(c.Username, c.Password))
	case "anonymous", "":
		opts = append(opts, opcua.AuthAnonymous())
	default:
		return nil, fmt.Errorf("unsupported authentication mode: %s", c.AuthMode)
	}
	if pid := strings.TrimSpace(c.UserTokenPolicyID); pid != "" {
		opts = append(opts, opcua.AuthPolicyID(pid))
	}
	return opts, nil
}

// loadKeyPair reads an unencrypted RSA key (PKCS#1 or PKCS#8, PEM or DER) and
// the certificate matching it from a PEM chain or a single DER file.
func loadKeyPair(certFile, keyFile string) (*rsa.PrivateKey, []byte, *x509.Certificate, error) {
	keyBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read key file: %w", err)
	}
	keyDER := keyBytes
	if b, _ := pem.Decode(keyBytes); b != nil {
		if len(b.Headers) > 0 {
			return nil, nil, nil, fmt.Errorf("encrypted private key is not supported: %s", keyFile)
		}
		keyDER = b.Bytes
	}
	var key *rsa.PrivateKey
	if k, err := x509.ParsePKCS1PrivateKey(keyDER); err == nil {
		key = k
	} else if k, err := x509.ParsePKCS8PrivateKey(keyDER); err == nil {
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, nil, fmt.Errorf("private key is not RSA: %T", k)
		}
		key = rk
	} else {
		return nil, nil, nil, fmt.Errorf("parse private key %s", keyFile)
	}

	certBytes, err := os.ReadFile(certFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read certificate file: %w", err)
	}
	if !strings.Contains(string(certBytes), "-----BEGIN") {
		crt, err := x509.ParseCertificate(certBytes)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse certificate: %w", err)
		}
		return key, certBytes, crt, nil
	}
	var first *x509.Certificate
	for rest := certBytes; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		crt, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		if first == nil {
			first = crt
		}
		if pk, ok := crt.PublicKey.(*rsa.PublicKey); ok && pk.N.Cmp(key.N) == 0 && pk.E == key.E {
			return key, block.Bytes, crt, nil
		}
	}
	if first == nil {
		return nil, nil, nil, fmt.Errorf("no CERTIFICATE block found in %s", certFile)
	}
	return key, first.Raw, first, nil
}

// EnsureCertificates validates the configured certificate pair. With
// AutoGenerateCert set and no pair configured, a CA-signed client
// certificate is generated below CertDir and the paths are filled in.
func (c *Config) EnsureCertificates() error {
	if c.CertFile == "" && c.KeyFile == "" {
		if !c.AutoGenerateCert {
			return nil
		}
		dir, err := cert.StorageDir(c.CertDir)
		if err != nil {
			return err
		}
		der, key := filepath.Join(dir, "client.der"), filepath.Join(dir, "client.key")
		if cert.Validate(der, key) == nil {
			c.CertFile, c.KeyFile = der, key
			return nil
		}
		files, err := cert.Generate(cert.DefaultConfig(c.ApplicationURI), dir)
		if err != nil {
			return fmt.Errorf("generate client certificate: %w", err)
		}
		c.CertFile, c.KeyFile = files.CertDER, files.KeyPKCS1
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("both certificate and key paths must be set or both empty")
	}
	if err := cert.Validate(c.CertFile, c.KeyFile); err != nil {
		return fmt.Errorf("invalid certificate files: %w", err)
	}
	return nil
}

// CertificateInfo describes the configured client certificate.
func (c *Config) CertificateInfo() (string, error) {
	if c.CertFile == "" {
		return "No certificate file configured", nil
	}
	return cert.Info(c.CertFile)
}

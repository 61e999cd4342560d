package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Config describes the collector's HTTPS setup.
// Either CertFile/KeyFile or Dir must be given when Enabled. With Dir and
// AutoGenerate a self-signed pair (plus tls_ca.crt for clients) is created
// on first use.
type Config struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	MaxVersion   string   `toml:"max_version" mapstructure:"max_version"`
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// CAPath is where an auto-generated CA certificate is written inside dir.
func CAPath(dir string) string { return filepath.Join(dir, tlsCaCrt) }

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// resolveTLSVersions defaults both bounds to TLS 1.3.
func resolveTLSVersions(c Config) (min uint16, max uint16) {
	min = tls.VersionTLS13
	max = tls.VersionTLS13
	if v, ok := parseTLSVersion(c.MinVersion); ok {
		min = v
	}
	if v, ok := parseTLSVersion(c.MaxVersion); ok {
		max = v
	}
	return
}

// Validate reports configuration errors without touching the filesystem.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	for _, v := range []string{c.MinVersion, c.MaxVersion} {
		if _, ok := parseTLSVersion(v); !ok && v != "" && !strings.EqualFold(v, "default") {
			return fmt.Errorf("unsupported TLS version %q", v)
		}
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
	}
	return nil
}

// ServerConfig builds the server-side tls.Config, generating a self-signed
// pair first when requested. It returns nil when TLS is disabled.
func ServerConfig(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minVer, maxVer := resolveTLSVersions(c)

	if c.CertFile != "" {
		return createTLSConfig(c.CertFile, c.KeyFile, minVer, maxVer), nil
	}

	certPath := filepath.Join(c.Dir, tlsCrt)
	keyPath := filepath.Join(c.Dir, tlsKey)
	if !certificatesExist(certPath, keyPath) {
		if !c.AutoGenerate {
			return nil, fmt.Errorf("no certificate in %s and auto_generate is off", c.Dir)
		}
		if err := generateCertificate(c); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	return createTLSConfig(certPath, keyPath, minVer, maxVer), nil
}

// ClientConfig builds a client tls.Config that trusts caFile in addition to
// the system roots. An empty caFile yields nil (system defaults).
func ClientConfig(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// safeReadFile reads file content safely within base directory
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// getCertificateFunc reloads the pair on every handshake so rotated files are picked up.
func getCertificateFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	certDir := filepath.Dir(certFile)
	keyDir := filepath.Dir(keyFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(certDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(keyDir, keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

func createTLSConfig(certPath, keyPath string, minVer, maxVer uint16) *tls.Config {
	// #nosec G402 TLS 1.2 is opt-in through min_version
	return &tls.Config{
		GetCertificate: getCertificateFunc(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}
}

// certificatesExist checks if both certificate files exist
func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func getOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func getOrDefaultSlice(value, defaultValue []string) []string {
	if len(value) == 0 {
		return defaultValue
	}
	return value
}

func generateCertificate(c Config) error {
	if err := os.MkdirAll(c.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	validDays := c.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   getOrDefault(c.CommonName, "localhost"),
		Organization: "beacon",
		DNSNames:     getOrDefaultSlice(c.DNSNames, []string{"localhost"}),
		IPAddresses:  getOrDefaultSlice(c.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(c.Dir, tlsCrt),
		KeyPath:      filepath.Join(c.Dir, tlsKey),
		CACertPath:   CAPath(c.Dir),
	})
}

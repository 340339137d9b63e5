package proxy

import (
	"crypto"
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
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	CACertFile = "ca.pem"
	CAKeyFile  = "ca-key.pem"

	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	backdate     = time.Hour

	maxCachedLeafCerts = 1024
)

// CertManager owns the interception CA persisted in the data dir and mints
// leaf certificates per host.
type CertManager struct {
	certPath, keyPath string
	ca                *x509.Certificate
	signer            crypto.Signer

	mu    sync.Mutex
	leafs map[string]*tls.Certificate
}

// NewCertManager loads ca.pem and ca-key.pem from dataDir. When neither file
// exists a new CA is created and written; exactly one present is an error.
func NewCertManager(dataDir string) (*CertManager, error) {
	m := &CertManager{
		certPath: filepath.Join(dataDir, CACertFile),
		keyPath:  filepath.Join(dataDir, CAKeyFile),
		leafs:    make(map[string]*tls.Certificate),
	}

	haveCert, haveKey := fileExists(m.certPath), fileExists(m.keyPath)
	var err error
	switch {
	case haveCert && haveKey:
		err = m.load()
	case !haveCert && !haveKey:
		err = m.create(dataDir)
	case haveCert:
		err = fmt.Errorf("CA certificate exists at %s but key is missing at %s; delete both to regenerate", m.certPath, m.keyPath)
	default:
		err = fmt.Errorf("CA key exists at %s but certificate is missing at %s; delete both to regenerate", m.keyPath, m.certPath)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CertManager) CACert() *x509.Certificate {
	return m.ca
}

func (m *CertManager) CACertPath() string {
	return m.certPath
}

// CACertPEM is the CA certificate for installing into client trust stores.
func (m *CertManager) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.ca.Raw})
}

// GetCertificate returns the cached leaf for host, minting one when missing
// or expired. The cache is reset once it reaches maxCachedLeafCerts.
func (m *CertManager) GetCertificate(host string) (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.leafs[host]; ok && time.Now().Before(c.Leaf.NotAfter) {
		return c, nil
	}
	c, err := m.mint(host)
	if err != nil {
		return nil, fmt.Errorf("generate certificate for %s: %w", host, err)
	}
	if len(m.leafs) >= maxCachedLeafCerts {
		clear(m.leafs)
	}
	m.leafs[host] = c
	return c, nil
}

func (m *CertManager) mint(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	tmpl, err := certTemplate(pkix.Name{CommonName: host}, leafValidity)
	if err != nil {
		return nil, err
	}
	if tmpl.NotAfter.After(m.ca.NotAfter) {
		tmpl.NotAfter = m.ca.NotAfter
	}
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	leaf, err := sign(tmpl, m.ca, key.Public(), m.signer)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{leaf.Raw, m.ca.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func (m *CertManager) create(dataDir string) error {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}
	tmpl, err := certTemplate(pkix.Name{
		Organization: []string{"SocketGhost"},
		CommonName:   "SocketGhost Interception CA",
	}, caValidity)
	if err != nil {
		return err
	}
	tmpl.IsCA = true
	tmpl.BasicConstraintsValid = true
	tmpl.MaxPathLenZero = true
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign

	ca, err := sign(tmpl, tmpl, key.Public(), key)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	} else if err := writePEM(m.keyPath, "PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	} else if err := writePEM(m.certPath, "CERTIFICATE", ca.Raw, 0o644); err != nil {
		return err
	}

	m.ca, m.signer = ca, key
	log.Info().Str("path", m.certPath).Msg("proxy: generated CA certificate")
	return nil
}

func (m *CertManager) load() error {
	certDER, err := readPEM(m.certPath)
	if err != nil {
		return fmt.Errorf("parse CA certificate PEM: %w", err)
	}
	ca, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}
	keyDER, err := readPEM(m.keyPath)
	if err != nil {
		return fmt.Errorf("parse CA key PEM: %w", err)
	}
	signer, err := parsePrivateKey(keyDER)
	if err != nil {
		return fmt.Errorf("parse CA key: %w", err)
	}

	var problem string
	switch {
	case !ca.IsCA:
		problem = "is not a CA certificate"
	case ca.KeyUsage&x509.KeyUsageCertSign == 0:
		problem = "lacks KeyUsageCertSign"
	case time.Now().After(ca.NotAfter):
		problem = "has expired"
	}
	if problem != "" {
		return fmt.Errorf("certificate at %s %s; delete both files to regenerate", m.certPath, problem)
	}

	m.ca, m.signer = ca, signer
	log.Info().Str("path", m.certPath).Msg("proxy: loaded CA certificate")
	return nil
}

// certTemplate fills the fields shared by CA and leaf certificates.
func certTemplate(subject pkix.Name, validity time.Duration) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-backdate),
		NotAfter:     now.Add(validity),
	}, nil
}

func sign(tmpl, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func readPEM(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in " + filepath.Base(path))
	}
	return block.Bytes, nil
}

// writePEM replaces path atomically through a sibling temp file.
func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), perm); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// parsePrivateKey accepts PKCS#8, PKCS#1 RSA and SEC1 EC encodings.
func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported PKCS#8 key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unrecognized private key encoding")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Package ca manages the proxy's root Certificate Authority: generating
// or loading the root key/cert pair, persisting it to disk in the
// layout trust stores expect, and minting short-lived leaf certificates
// on demand for TLS-MITM'd connections.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	// KeySize is the RSA key size for the root.
	KeySize = 2048

	// DefaultValidityYears is the root certificate's validity window.
	DefaultValidityYears = 10

	// DefaultLeafCacheSize bounds the leaf certificate LRU cache.
	DefaultLeafCacheSize = 512
)

// Authority is the proxy's root Certificate Authority.
type Authority struct {
	Cert    *x509.Certificate
	Key     *rsa.PrivateKey
	CertPEM []byte
	KeyPEM  []byte

	crlDER []byte
	crlURL string

	pool *x509.CertPool
}

// Files lists the on-disk layout a loaded/generated Authority writes,
// matching the trust-store-friendly naming convention.
type Files struct {
	Dir          string
	KeyCertPEM   string // roxy-ca.pem (key + cert bundle)
	CertPEM      string // roxy-ca-cert.pem
	CertCER      string // roxy-ca-cert.cer (same bytes, .cer extension)
	P12Bundle    string // roxy-ca.p12 (key + cert)
	P12CertOnly  string // roxy-ca-cert.p12 (cert only, for import)
}

// PathsFor returns the on-disk file layout LoadOrGenerate(dir, ...)
// reads from and writes to, without touching the filesystem itself.
func PathsFor(dir string) Files {
	return files(dir)
}

func files(dir string) Files {
	return Files{
		Dir:         dir,
		KeyCertPEM:  filepath.Join(dir, "roxy-ca.pem"),
		CertPEM:     filepath.Join(dir, "roxy-ca-cert.pem"),
		CertCER:     filepath.Join(dir, "roxy-ca-cert.cer"),
		P12Bundle:   filepath.Join(dir, "roxy-ca.p12"),
		P12CertOnly: filepath.Join(dir, "roxy-ca-cert.p12"),
	}
}

// LoadOrGenerate loads an existing root from dir, or generates and
// persists a fresh one with the given validity if none is found. A
// failure to write the files is logged as a warning and does not fail
// the call.
func LoadOrGenerate(dir string, validityYears int) (*Authority, error) {
	if validityYears <= 0 {
		validityYears = DefaultValidityYears
	}
	f := files(dir)

	if a, err := load(f); err == nil {
		return a, nil
	}

	a, err := generate(validityYears)
	if err != nil {
		return nil, fmt.Errorf("ca: generating root: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		slog.Warn("ca: creating CA directory failed; root not persisted", "dir", dir, "error", err)
	} else if err := a.persist(f); err != nil {
		slog.Warn("ca: persisting root failed", "dir", dir, "error", err)
	}

	return a, nil
}

func load(f Files) (*Authority, error) {
	bundle, err := os.ReadFile(f.KeyCertPEM)
	if err != nil {
		return nil, err
	}

	var certPEM, keyPEM []byte
	rest := bundle
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			certPEM = pem.EncodeToMemory(block)
		case "RSA PRIVATE KEY", "PRIVATE KEY":
			keyPEM = pem.EncodeToMemory(block)
		}
	}
	if certPEM == nil || keyPEM == nil {
		return nil, fmt.Errorf("ca: incomplete bundle at %s", f.KeyCertPEM)
	}

	certBlock, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing root cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing root key: %w", err)
	}

	return newAuthority(cert, key, certPEM, keyPEM), nil
}

func generate(validityYears int) (*Authority, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "roxy MITM Proxy CA",
			Organization: []string{"roxy"},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().AddDate(validityYears, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing created certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return newAuthority(cert, key, certPEM, keyPEM), nil
}

func newAuthority(cert *x509.Certificate, key *rsa.PrivateKey, certPEM, keyPEM []byte) *Authority {
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &Authority{Cert: cert, Key: key, CertPEM: certPEM, KeyPEM: keyPEM, pool: pool}
}

// persist writes the PEM bundle, standalone cert, .cer duplicate, and
// both PKCS#12 bundles.
func (a *Authority) persist(f Files) error {
	bundle := append(append([]byte{}, a.CertPEM...), a.KeyPEM...)
	if err := writeSecure(f.KeyCertPEM, bundle); err != nil {
		return err
	}
	if err := os.WriteFile(f.CertPEM, a.CertPEM, 0644); err != nil {
		return err
	}
	if err := os.WriteFile(f.CertCER, a.CertPEM, 0644); err != nil {
		return err
	}

	p12Full, err := EncodePKCS12(a.Key, a.Cert, true)
	if err == nil {
		_ = writeSecure(f.P12Bundle, p12Full)
	}
	p12Cert, err := EncodePKCS12(a.Key, a.Cert, false)
	if err == nil {
		_ = os.WriteFile(f.P12CertOnly, p12Cert, 0644)
	}

	return nil
}

func writeSecure(path string, data []byte) error {
	return os.WriteFile(path, data, 0600)
}

func randomSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 160) // 20 bytes, per spec's key policy
	serial, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}
	return serial.Add(serial, big.NewInt(1)), nil
}

// Pool returns a cert pool containing just the root, suitable for
// verifying leaves minted by this Authority (e.g. self-hosted test
// servers chaining to it).
func (a *Authority) Pool() *x509.CertPool {
	return a.pool
}

// CRLURL returns the URL configured for the CA's revocation list, or ""
// if none has been set.
func (a *Authority) CRLURL() string { return a.crlURL }

// CRLDER returns the generated CRL in DER form.
func (a *Authority) CRLDER() []byte { return a.crlDER }

// SetCRLURL sets the CRL distribution point URL used on future leaf
// certs and (re)generates the CRL itself.
func (a *Authority) SetCRLURL(url string) error {
	a.crlURL = url
	return a.generateCRL()
}

func (a *Authority) generateCRL() error {
	template := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now(),
		NextUpdate: time.Now().AddDate(0, 0, 30),
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, a.Cert, a.Key)
	if err != nil {
		return fmt.Errorf("ca: creating CRL: %w", err)
	}
	a.crlDER = der
	return nil
}

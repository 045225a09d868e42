package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// LeafValidityDays is the validity window for minted leaf certs.
	LeafValidityDays = 30
)

// KeyAlgorithm selects the key type minted for leaf certificates.
type KeyAlgorithm int

const (
	KeyECDSA KeyAlgorithm = iota
	KeyRSA
)

// LeafCache is an LRU cache of dynamically minted leaf certificates,
// keyed on the (CN, sorted SANs) tuple a TLS ClientHello resolves to.
type LeafCache struct {
	authority *Authority
	maxSize   int
	algo      KeyAlgorithm

	mu    sync.Mutex
	cache map[string]*tls.Certificate
	order []string
}

// NewLeafCache creates a cache bounded to maxSize entries (0 = default).
func NewLeafCache(authority *Authority, maxSize int) *LeafCache {
	if maxSize <= 0 {
		maxSize = DefaultLeafCacheSize
	}
	return &LeafCache{
		authority: authority,
		maxSize:   maxSize,
		algo:      KeyECDSA,
		cache:     make(map[string]*tls.Certificate),
	}
}

// WithKeyAlgorithm selects RSA leaves instead of the EC default.
func (c *LeafCache) WithKeyAlgorithm(algo KeyAlgorithm) *LeafCache {
	c.algo = algo
	return c
}

func cacheKey(cn string, sans []string) string {
	sorted := append([]string(nil), sans...)
	sort.Strings(sorted)
	return strings.ToLower(cn) + "|" + strings.ToLower(strings.Join(sorted, ","))
}

// GetCertificate implements crypto/tls.Config.GetCertificate: it derives
// a CN/SAN set from the ClientHello's SNI (falling back to the local
// connection's address when SNI is absent) and returns a cached or
// freshly minted leaf.
func (c *LeafCache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		if addr, ok := hello.Conn.LocalAddr().(*net.TCPAddr); ok {
			host = addr.IP.String()
		} else {
			return nil, fmt.Errorf("ca: no SNI and no usable local address")
		}
	}
	return c.Sign(host, []string{host})
}

// Sign returns a cached leaf for (cn, sans) or mints, caches, and
// returns a new one.
func (c *LeafCache) Sign(cn string, sans []string) (*tls.Certificate, error) {
	k := cacheKey(cn, sans)

	c.mu.Lock()
	if cert, ok := c.cache[k]; ok {
		c.touch(k)
		c.mu.Unlock()
		return cert, nil
	}
	c.mu.Unlock()

	cert, err := c.mint(cn, sans)
	if err != nil {
		return nil, fmt.Errorf("ca: minting leaf for %s: %w", cn, err)
	}

	c.mu.Lock()
	if existing, ok := c.cache[k]; ok {
		// Another goroutine minted and inserted while we were signing;
		// converge on its winning cert rather than keeping our own.
		c.touch(k)
		c.mu.Unlock()
		return existing, nil
	}
	if len(c.cache) >= c.maxSize {
		c.evictOldest()
	}
	c.order = append(c.order, k)
	c.cache[k] = cert
	c.mu.Unlock()

	return cert, nil
}

func (c *LeafCache) mint(cn string, sans []string) (*tls.Certificate, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{"roxy"},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().AddDate(0, 0, LeafValidityDays),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if url := c.authority.CRLURL(); url != "" {
		template.CRLDistributionPoints = []string{url}
	}

	for _, san := range sans {
		if ip := net.ParseIP(san); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, san)
		}
	}

	var pub interface{}
	var priv interface{}
	switch c.algo {
	case KeyRSA:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
		pub, priv = &key.PublicKey, key
	default:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		pub, priv = &key.PublicKey, key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.authority.Cert, pub, c.authority.Key)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, c.authority.Cert.Raw},
		PrivateKey:  priv,
	}, nil
}

// touch moves key to the most-recently-used end. Caller holds c.mu.
func (c *LeafCache) touch(k string) {
	for i, h := range c.order {
		if h == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, k)
}

// evictOldest removes the least-recently-used entry. Caller holds c.mu.
func (c *LeafCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.cache, oldest)
}

// Size returns the current number of cached leaves.
func (c *LeafCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Clear empties the cache.
func (c *LeafCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*tls.Certificate)
	c.order = nil
}

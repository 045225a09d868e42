package ca

import (
	"crypto/rsa"
	"crypto/x509"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// EncodePKCS12 bundles cert (and, if withKey, key) into a PKCS#12 blob
// importable by OS/browser trust stores that don't accept bare PEM.
// Bag password is the conventional empty-ish "roxy" placeholder; callers
// distributing the CA to end users are expected to document it, the
// same way trust-store onboarding docs for MITM tooling generally do.
func EncodePKCS12(key *rsa.PrivateKey, cert *x509.Certificate, withKey bool) ([]byte, error) {
	const password = "roxy"
	if withKey {
		return pkcs12.Modern.Encode(key, cert, nil, password)
	}
	return pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{cert}, password)
}

package ca

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGenerate_CreatesNew(t *testing.T) {
	dir := t.TempDir()

	a, err := LoadOrGenerate(dir, 0)
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	if a.Cert == nil || a.Key == nil {
		t.Fatal("authority missing cert or key")
	}

	for _, name := range []string{"roxy-ca.pem", "roxy-ca-cert.pem", "roxy-ca-cert.cer", "roxy-ca.p12", "roxy-ca-cert.p12"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected file %s to exist: %v", name, err)
		}
	}
}

func TestLoadOrGenerate_LoadsExisting(t *testing.T) {
	dir := t.TempDir()

	a1, err := LoadOrGenerate(dir, 0)
	if err != nil {
		t.Fatalf("first LoadOrGenerate failed: %v", err)
	}

	a2, err := LoadOrGenerate(dir, 0)
	if err != nil {
		t.Fatalf("second LoadOrGenerate failed: %v", err)
	}

	if a1.Cert.SerialNumber.Cmp(a2.Cert.SerialNumber) != 0 {
		t.Error("loaded authority has a different serial number than the one generated")
	}
}

func TestAuthority_RootValidity(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrGenerate(dir, DefaultValidityYears)
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}

	years := a.Cert.NotAfter.Year() - a.Cert.NotBefore.Year()
	if years < DefaultValidityYears-1 || years > DefaultValidityYears+1 {
		t.Errorf("expected ~%d year validity, got %d", DefaultValidityYears, years)
	}
	if !a.Cert.IsCA {
		t.Error("root certificate must have IsCA set")
	}
}

func TestAuthority_CRL(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrGenerate(dir, 0)
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}

	if err := a.SetCRLURL("http://ca.roxy.local/crl"); err != nil {
		t.Fatalf("SetCRLURL failed: %v", err)
	}
	if len(a.CRLDER()) == 0 {
		t.Error("expected non-empty CRL DER after SetCRLURL")
	}
	if a.CRLURL() != "http://ca.roxy.local/crl" {
		t.Error("CRLURL did not round-trip")
	}
}

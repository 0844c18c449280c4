package iface

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateCAAndNodeCert(t *testing.T) {
	ca, caKey, err := GenerateCA(nil)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	if !ca.IsCA {
		t.Error("expected generated CA certificate to have IsCA set")
	}

	nodeCert, _, err := GenerateNodeCert(ca, caKey, &CertConfig{
		Organization: "reticulum-go",
		CommonName:   "node-a",
		DNSNames:     []string{"node-a.mesh"},
	})
	if err != nil {
		t.Fatalf("GenerateNodeCert: %v", err)
	}
	if err := nodeCert.CheckSignatureFrom(ca); err != nil {
		t.Errorf("node certificate not signed by CA: %v", err)
	}
}

func TestSaveAndLoadCertificateRoundTrip(t *testing.T) {
	ca, caKey, err := GenerateCA(nil)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")

	if err := SaveCertificate(ca, certPath); err != nil {
		t.Fatalf("SaveCertificate: %v", err)
	}
	if err := SavePrivateKey(caKey, keyPath); err != nil {
		t.Fatalf("SavePrivateKey: %v", err)
	}

	loadedCert, err := LoadCertificate(certPath)
	if err != nil {
		t.Fatalf("LoadCertificate: %v", err)
	}
	if loadedCert.SerialNumber.Cmp(ca.SerialNumber) != 0 {
		t.Error("loaded certificate serial number mismatch")
	}

	loadedKey, err := LoadPrivateKey(keyPath)
	if err != nil {
		t.Fatalf("LoadPrivateKey: %v", err)
	}
	if loadedKey.N.Cmp(caKey.N) != 0 {
		t.Error("loaded key modulus mismatch")
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file perm = %v, want 0600", info.Mode().Perm())
	}
}

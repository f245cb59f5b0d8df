package store

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func generateTestMaterial(t *testing.T, serial int64, notAfter time.Time) (Material, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "test.example.org"},
		DNSNames:     []string{"test.example.org"},
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	meta, err := BuildMeta(&key.PublicKey, cert, []string{"test.example.org"}, false)
	if err != nil {
		t.Fatalf("BuildMeta: %v", err)
	}

	return Material{
		PrivateKeyPEM: keyPEM,
		LeafPEM:       leafPEM,
		Meta:          meta,
	}, key
}

func TestPublishAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := &Store{BasePath: dir}

	m, _ := generateTestMaterial(t, 1, time.Now().Add(90*24*time.Hour))
	if err := s.Publish("test.example.org", m); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	read, err := s.Read("test.example.org")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if read.Meta.Serial != m.Meta.Serial {
		t.Fatalf("Read().Meta.Serial = %q, want %q", read.Meta.Serial, m.Meta.Serial)
	}
	if read.Meta.Fingerprint != m.Meta.Fingerprint {
		t.Fatal("fingerprint mismatch between published and read meta")
	}
}

func TestPublishSupersedesAndArchives(t *testing.T) {
	dir := t.TempDir()
	s := &Store{BasePath: dir}

	m1, _ := generateTestMaterial(t, 1, time.Now().Add(90*24*time.Hour))
	if err := s.Publish("test.example.org", m1); err != nil {
		t.Fatalf("Publish #1: %v", err)
	}

	m2, _ := generateTestMaterial(t, 2, time.Now().Add(180*24*time.Hour))
	if err := s.Publish("test.example.org", m2); err != nil {
		t.Fatalf("Publish #2: %v", err)
	}

	read, err := s.Read("test.example.org")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if read.Meta.Serial != m2.Meta.Serial {
		t.Fatalf("expected live material to be the second publish, got serial %q", read.Meta.Serial)
	}

	archived := filepath.Join(dir, "archive", "test.example.org", m1.Meta.Serial)
	if _, err := os.Stat(archived); err != nil {
		t.Fatalf("expected superseded version archived at %s: %v", archived, err)
	}
}

// TestReconcileCompletesInterruptedPublish covers scenario S5: a crash
// between the two renames leaves live/<name> absent and new/<name>
// present and self-consistent; Reconcile must complete the publish.
func TestReconcileCompletesInterruptedPublish(t *testing.T) {
	dir := t.TempDir()
	s := &Store{BasePath: dir}

	m, _ := generateTestMaterial(t, 1, time.Now().Add(90*24*time.Hour))

	staging := s.newPath("test.example.org")
	if err := os.MkdirAll(staging, 0750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	metaJSON, err := m.Meta.encode()
	if err != nil {
		t.Fatalf("encode meta: %v", err)
	}
	for name, data := range map[string][]byte{
		"privkey.pem": m.PrivateKeyPEM,
		"cert.pem":    m.LeafPEM,
		"chain.pem":   nil,
		"meta.json":   metaJSON,
	} {
		if err := os.WriteFile(filepath.Join(staging, name), data, 0640); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	if _, err := os.Stat(s.livePath("test.example.org")); err == nil {
		t.Fatal("precondition violated: live directory should not exist yet")
	}

	if err := s.Reconcile("test.example.org"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	read, err := s.Read("test.example.org")
	if err != nil {
		t.Fatalf("Read after Reconcile: %v", err)
	}
	if read.Meta.Serial != m.Meta.Serial {
		t.Fatal("expected reconciled live material to match the staged material")
	}
}

func TestArchiveRetention(t *testing.T) {
	dir := t.TempDir()
	s := &Store{BasePath: dir, ArchiveKeep: 2}

	for i := int64(1); i <= 4; i++ {
		m, _ := generateTestMaterial(t, i, time.Now().Add(time.Duration(i)*24*time.Hour))
		if err := s.Publish("test.example.org", m); err != nil {
			t.Fatalf("Publish #%d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(s.archiveRoot("test.example.org"))
	if err != nil {
		t.Fatalf("ReadDir archive: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 retained archive entries, got %d", len(entries))
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "certcentral.yaml")
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const validConfig = `
accounts:
  le-prod:
    directory: https://acme-v02.api.letsencrypt.org/directory
    contact: ["mailto:ops@example.org"]
    key_path: /etc/certcentral/accounts/le-prod.key
challenges:
  dns01:
    providers:
      do-main:
        driver: digitalocean
        credentials:
          token: placeholder
        zones: ["example.org"]
certificates:
  example-org:
    CN: example.org
    SAN: ["www.example.org"]
    key_type: ecdsa-p256
    challenge: dns-01
    account: le-prod
scheduler:
  workers: 2
store:
  base_path: /var/lib/certcentral
`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	spec, ok := cfg.Certificates["example-org"]
	if !ok {
		t.Fatal("expected certificate \"example-org\" to be present")
	}
	if spec.Name() != "example-org" {
		t.Fatalf("Name() = %q, want example-org", spec.Name())
	}
	want := []string{"example.org", "www.example.org"}
	got := spec.SANs()
	if len(got) != len(want) {
		t.Fatalf("SANs() = %v, want %v", got, want)
	}
	if cfg.Scheduler.RenewalRatio != DefaultRenewalRatio {
		t.Fatalf("RenewalRatio default not applied: %v", cfg.Scheduler.RenewalRatio)
	}
	if cfg.Store.ArchiveKeep != DefaultArchiveKeep {
		t.Fatalf("ArchiveKeep default not applied: %v", cfg.Store.ArchiveKeep)
	}
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	path := writeConfig(t, validConfig+"\nbogus_field: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestLoadRejectsUnknownCertificateKey(t *testing.T) {
	bad := `
accounts:
  le-prod:
    directory: https://acme-v02.api.letsencrypt.org/directory
certificates:
  example-org:
    CN: example.org
    key_type: ecdsa-p256
    challenge: dns-01
    account: le-prod
    typo_field: oops
`
	path := writeConfig(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown certificate key")
	}
}

func TestLoadRejectsUnknownAccount(t *testing.T) {
	bad := `
accounts:
  le-prod:
    directory: https://acme-v02.api.letsencrypt.org/directory
certificates:
  example-org:
    CN: example.org
    key_type: ecdsa-p256
    challenge: dns-01
    account: does-not-exist
`
	path := writeConfig(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown account reference")
	}
}

func TestLoadRejectsSharedCNAccountPair(t *testing.T) {
	bad := `
accounts:
  le-prod:
    directory: https://acme-v02.api.letsencrypt.org/directory
certificates:
  example-org-a:
    CN: example.org
    key_type: ecdsa-p256
    challenge: dns-01
    account: le-prod
  example-org-b:
    CN: example.org
    key_type: ecdsa-p256
    challenge: dns-01
    account: le-prod
`
	path := writeConfig(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for certificates sharing a CN/account pair")
	}
}

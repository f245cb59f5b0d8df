package cryptoutil

import (
	"bytes"
	"testing"
)

func TestGenerateKeyUnknownKind(t *testing.T) {
	if _, err := GenerateKey("bogus"); err == nil {
		t.Fatal("expected error for unknown key kind")
	}
}

func TestGenerateKeyKinds(t *testing.T) {
	for _, kind := range []KeyKind{RSA2048, ECDSAP256, ECDSAP384} {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			key, err := GenerateKey(kind)
			if err != nil {
				t.Fatalf("GenerateKey(%s): %v", kind, err)
			}
			if key == nil {
				t.Fatal("expected non-nil key")
			}
		})
	}
}

func TestBuildCSRDeterministic(t *testing.T) {
	key, err := GenerateKey(ECDSAP256)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	sans := []string{"b.example.org", "a.example.org", "c.example.org"}
	csr1, err := BuildCSR(key, sans)
	if err != nil {
		t.Fatalf("BuildCSR: %v", err)
	}

	// reversed input order must yield a byte-identical CSR: invariant 3 of
	// spec.md §8 ("CSR bytes are a pure function of (key bytes, sorted SAN
	// list)").
	reversed := []string{"c.example.org", "a.example.org", "b.example.org"}
	csr2, err := BuildCSR(key, reversed)
	if err != nil {
		t.Fatalf("BuildCSR: %v", err)
	}

	if !bytes.Equal(csr1, csr2) {
		t.Fatal("expected byte-identical CSRs for differently-ordered but equal SAN sets")
	}
}

func TestBuildCSREmptySANs(t *testing.T) {
	key, err := GenerateKey(ECDSAP256)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if _, err := BuildCSR(key, nil); err == nil {
		t.Fatal("expected error for empty SAN list")
	}
}

func TestJWKThumbprintStable(t *testing.T) {
	key, err := GenerateKey(ECDSAP256)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	t1, err := JWKThumbprint(key.Public())
	if err != nil {
		t.Fatalf("JWKThumbprint: %v", err)
	}
	t2, err := JWKThumbprint(key.Public())
	if err != nil {
		t.Fatalf("JWKThumbprint: %v", err)
	}
	if t1 != t2 {
		t.Fatal("expected stable thumbprint across repeated calls")
	}
}

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey(ECDSAP256)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	buf, err := EncodeKey(key)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	decoded, err := DecodeKey(buf)
	if err != nil {
		t.Fatalf("DecodeKey: %v", err)
	}
	tp1, _ := JWKThumbprint(key.Public())
	tp2, _ := JWKThumbprint(decoded.Public())
	if tp1 != tp2 {
		t.Fatal("round-tripped key has a different fingerprint")
	}
}

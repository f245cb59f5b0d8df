package scheduler

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"
)

// selfSignedPlaceholderLifetime is deliberately short: the SELF_SIGNED
// material only needs to outlast the time it takes the first real ACME
// order to complete (spec.md §4.5).
const selfSignedPlaceholderLifetime = 24 * time.Hour

// selfSignedLeaf builds a minimal self-signed certificate over sans, used
// to populate the store before the first ACME order completes.
func selfSignedLeaf(key crypto.Signer, sans []string) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: sans[0]},
		DNSNames:     sans,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(selfSignedPlaceholderLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
}

func parseLeafCertificate(der []byte) (*x509.Certificate, error) {
	return x509.ParseCertificate(der)
}

package store

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Meta is the on-disk meta.json companion to a certificate's PEM files
// (spec.md §4.4): the fields a reader needs to validate internal
// consistency without parsing the PEM material itself.
type Meta struct {
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	Serial      string    `json:"serial"`
	Fingerprint string    `json:"fingerprint"`
	SAN         []string  `json:"san"`
	// SelfSigned marks synthetic placeholder material published while a
	// certificate is in the SELF_SIGNED scheduler state, so the
	// distribution API can skip advertising it (spec.md §4.5).
	SelfSigned bool `json:"self_signed,omitempty"`
}

func (m Meta) encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func decodeMeta(b []byte) (Meta, error) {
	var m Meta
	err := json.Unmarshal(b, &m)
	return m, err
}

// fingerprintOf returns the SHA-256 fingerprint of a public key's SPKI DER
// encoding, the same quantity meta.json.fingerprint records and
// SPEC_FULL.md invariant 1 requires matches privkey.pem's public component.
func fingerprintOf(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func serialOf(cert *x509.Certificate) string {
	return fmt.Sprintf("%x", cert.SerialNumber)
}

// consistent reports whether meta's recorded fingerprint and serial match
// the actual key and leaf certificate it accompanies — the meta-first
// validation protocol readers (and, after a crash, the publisher itself)
// use to decide whether a (meta.json, privkey.pem, cert.pem) set is safe to
// trust (spec.md §4.4, invariant 1-2 of §8).
func consistent(m Meta, pub crypto.PublicKey, leaf *x509.Certificate) bool {
	fp, err := fingerprintOf(pub)
	if err != nil {
		return false
	}
	return fp == m.Fingerprint && serialOf(leaf) == m.Serial
}

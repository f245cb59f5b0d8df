package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/wikimedia/operations-software-certcentral/internal/cryptoutil"
)

// No pack library signs a bare ACME JWS without also owning the order/
// poll/finalize flow (golang.org/x/crypto/acme, go-acme/lego and
// mholt/acmez all bundle the two together); SPEC_FULL.md §4.2 requires the
// flow to be re-architected into independent RPCs, so the envelope is built
// with stdlib crypto/encoding directly, the same way those libraries do
// internally.

// protectedHeader is the flattened-JWS protected header ACME requires on
// every POST (RFC 8555 §6.2).
type protectedHeader struct {
	Alg   string          `json:"alg"`
	Nonce string          `json:"nonce"`
	URL   string          `json:"url"`
	JWK   json.RawMessage `json:"jwk,omitempty"`
	Kid   string          `json:"kid,omitempty"`
}

// flattenedJWS is the flattened JSON serialization of a JWS (RFC 7515 §7.2.2).
type flattenedJWS struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// signer produces flattened-JWS request bodies for an account key.
type signer struct {
	key crypto.Signer
	alg string
	jwk json.RawMessage
}

func newSigner(key crypto.Signer) (*signer, error) {
	alg, err := jwsAlg(key)
	if err != nil {
		return nil, err
	}
	jwk, err := jwkJSON(key.Public())
	if err != nil {
		return nil, err
	}
	return &signer{key: key, alg: alg, jwk: jwk}, nil
}

// sign builds the flattened-JWS body for url and payload. When kid is
// empty the protected header carries the embedded jwk instead (only legal
// for newAccount, per RFC 8555 §6.2). A nil payload produces an empty
// payload string, as POST-as-GET requires.
func (s *signer) sign(url, nonce, kid string, payload interface{}) ([]byte, error) {
	hdr := protectedHeader{Alg: s.alg, Nonce: nonce, URL: url}
	if kid != "" {
		hdr.Kid = kid
	} else {
		hdr.JWK = s.jwk
	}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, err
	}

	var payloadB64 string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadB64 = base64.RawURLEncoding.EncodeToString(raw)
	}
	protectedB64 := base64.RawURLEncoding.EncodeToString(hdrJSON)

	sig, err := s.signInput(protectedB64 + "." + payloadB64)
	if err != nil {
		return nil, err
	}

	return json.Marshal(flattenedJWS{
		Protected: protectedB64,
		Payload:   payloadB64,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	})
}

func (s *signer) signInput(input string) ([]byte, error) {
	switch key := s.key.(type) {
	case *rsa.PrivateKey:
		h := sha256.Sum256([]byte(input))
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h[:])
	case *ecdsa.PrivateKey:
		return signECDSA(key, input)
	default:
		return nil, fmt.Errorf("acme: unsupported account key type %T", key)
	}
}

func signECDSA(key *ecdsa.PrivateKey, input string) ([]byte, error) {
	size := curveSize(key.Curve.Params().BitSize)
	hash := hashFor(key.Curve.Params().BitSize)
	h := hash.New()
	h.Write([]byte(input))
	digest := h.Sum(nil)

	r, sVal, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	sVal.FillBytes(out[size:])
	return out, nil
}

func curveSize(bits int) int { return (bits + 7) / 8 }

func hashFor(bits int) crypto.Hash {
	if bits > 256 {
		return crypto.SHA384
	}
	return crypto.SHA256
}

func jwsAlg(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return "RS256", nil
	case *ecdsa.PrivateKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return "ES256", nil
		case 384:
			return "ES384", nil
		default:
			return "", fmt.Errorf("acme: unsupported ECDSA curve bit size %d", k.Curve.Params().BitSize)
		}
	default:
		return "", fmt.Errorf("acme: unsupported account key type %T", key)
	}
}

func jwkJSON(pub crypto.PublicKey) (json.RawMessage, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return json.Marshal(struct {
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		}{
			Kty: "RSA",
			N:   base64.RawURLEncoding.EncodeToString(k.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.E)).Bytes()),
		})
	case *ecdsa.PublicKey:
		size := curveSize(k.Curve.Params().BitSize)
		return json.Marshal(struct {
			Kty string `json:"kty"`
			Crv string `json:"crv"`
			X   string `json:"x"`
			Y   string `json:"y"`
		}{
			Kty: "EC",
			Crv: curveNameForJWK(k.Curve.Params().BitSize),
			X:   base64.RawURLEncoding.EncodeToString(padTo(k.X.Bytes(), size)),
			Y:   base64.RawURLEncoding.EncodeToString(padTo(k.Y.Bytes(), size)),
		})
	default:
		return nil, fmt.Errorf("acme: unsupported account key type %T", pub)
	}
}

func curveNameForJWK(bits int) string {
	if bits > 256 {
		return "P-384"
	}
	return "P-256"
}

func padTo(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// keyAuthorization builds the ACME key authorization for a challenge token:
// token || '.' || base64url(JWK thumbprint of the account key).
func keyAuthorization(token string, accountKey crypto.Signer) (string, error) {
	thumb, err := cryptoutil.JWKThumbprint(accountKey.Public())
	if err != nil {
		return "", err
	}
	return token + "." + thumb, nil
}

// dns01RecordValue computes the _acme-challenge TXT value for keyAuth:
// base64url(sha256(keyAuth)), per spec.md §4.3.
func dns01RecordValue(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

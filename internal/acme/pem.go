package acme

import (
	"encoding/base64"
	"encoding/pem"
)

type pemBlock struct {
	bytes []byte
}

func decodePEMBlock(data []byte) (*pemBlock, []byte) {
	block, rest := pem.Decode(data)
	if block == nil {
		return nil, rest
	}
	return &pemBlock{bytes: block.Bytes}, rest
}

func encodePEMCertificate(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

package security

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"strings"
)

// ErrInvalidKey is returned when PEM or key type is invalid.
var ErrInvalidKey = errors.New("invalid key")

// LoadPEM returns s as bytes when it is inline PEM (escaped "\n" sequences from env files are expanded);
// otherwise s is treated as a file path and read.
func LoadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(strings.ReplaceAll(s, `\n`, "\n")), nil
	}
	return os.ReadFile(s)
}

// ParsePublicKey parses a PEM-encoded RSA or ECDSA public key. s may be inline PEM or a file path.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	block, err := decodePEM(s)
	if err != nil {
		return nil, err
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
}

func decodePEM(s string) (*pem.Block, error) {
	pemBytes, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	return block, nil
}

// KeyAlg returns "RS256" for RSA and "ES256" for ECDSA P-256; empty otherwise.
func KeyAlg(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		return "ES256"
	default:
		return ""
	}
}

// StaticKeys is a KeyResolver over a fixed set of keys, for local development without an identity provider.
type StaticKeys struct {
	keys map[string]crypto.PublicKey
}

// NewStaticKeys returns a resolver answering kid with pub.
func NewStaticKeys(kid string, pub crypto.PublicKey) *StaticKeys {
	return &StaticKeys{keys: map[string]crypto.PublicKey{kid: pub}}
}

// LoadStaticKeys parses a PEM public key (inline or file path) and serves it under kid.
func LoadStaticKeys(pemOrPath, kid string) (*StaticKeys, error) {
	pub, err := ParsePublicKey(pemOrPath)
	if err != nil {
		return nil, err
	}
	if KeyAlg(pub) == "" {
		return nil, ErrInvalidKey
	}
	return NewStaticKeys(kid, pub), nil
}

func (s *StaticKeys) ResolveKey(_ context.Context, kid string) (crypto.PublicKey, error) {
	pub, ok := s.keys[kid]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return pub, nil
}

// Refresh is a no-op; the key set never changes.
func (s *StaticKeys) Refresh(context.Context) error { return nil }

package model

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/R3E-Network/uptane-agent/internal/uptane/canonicaljson"
)

// KeyType identifies the cryptographic family of a PublicKey.
type KeyType string

const (
	KeyTypeRSA2048  KeyType = "rsa2048"
	KeyTypeRSA3072  KeyType = "rsa3072"
	KeyTypeRSA4096  KeyType = "rsa4096"
	KeyTypeEd25519  KeyType = "ed25519"
	KeyTypeUnknown  KeyType = "unknown"
)

// PublicKey is a tagged (keytype, value) pair. Value is the key-type-specific
// encoding: for ed25519, raw 32 bytes hex-encoded; for RSA, the PEM-encoded
// SubjectPublicKeyInfo.
type PublicKey struct {
	Type  KeyType `json:"keytype"`
	Value string  `json:"keyval"`
}

// uptaneKeyObject is the canonical JSON shape signatures/key-ids are
// computed over, matching the Uptane/TUF "key" object.
type uptaneKeyObject struct {
	KeyType string            `json:"keytype"`
	Scheme  string             `json:"scheme"`
	KeyVal  map[string]string `json:"keyval"`
}

func (k PublicKey) scheme() string {
	switch k.Type {
	case KeyTypeEd25519:
		return "ed25519"
	case KeyTypeRSA2048, KeyTypeRSA3072, KeyTypeRSA4096:
		return "rsassa-pss-sha256"
	default:
		return "unknown"
	}
}

// KeyID returns the lowercase sha256 of the canonical-JSON encoding of the
// Uptane key object. Equality of PublicKey is by KeyID.
func (k PublicKey) KeyID() (string, error) {
	obj := uptaneKeyObject{
		KeyType: string(k.Type),
		Scheme:  k.scheme(),
		KeyVal:  map[string]string{"public": k.Value},
	}
	canon, err := canonicaljson.Marshal(obj)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

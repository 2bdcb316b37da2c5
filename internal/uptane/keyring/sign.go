// Package keyring implements multi-part SHA-256/512 hashing (see
// model.MultiHasher), Ed25519/RSA-PSS sign/verify, and key-id derivation
// (model.PublicKey.KeyID). Stdlib-crypto-first: no custom crypto, careful
// error wrapping, small pure functions.
package keyring

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// KeyPair is a generated or loaded signing key, used by the Primary itself
// (manifest signing) and by the provisioner (ECU serial derivation).
type KeyPair struct {
	Public  model.PublicKey
	private crypto.Signer
}

// LoadEd25519 reconstructs a KeyPair from a previously-persisted public key
// and hex-encoded 64-byte private key (see ExportPrivate), used by the provisioner
// to recover the Primary's signing key across restarts.
func LoadEd25519(pub model.PublicKey, privateHex string) (*KeyPair, error) {
	if pub.Type != model.KeyTypeEd25519 {
		return nil, fmt.Errorf("keyring: LoadEd25519 called with key type %q", pub.Type)
	}
	raw, err := hex.DecodeString(privateHex)
	if err != nil {
		return nil, fmt.Errorf("keyring: decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keyring: bad ed25519 private key size %d", len(raw))
	}
	return &KeyPair{Public: pub, private: ed25519.PrivateKey(raw)}, nil
}

// ExportPrivate returns the hex-encoded private key material for
// persistence. Only Ed25519 is supported since it is the only key type the
// provisioner generates locally; RSA keys are expected to be provisioned
// out of band.
func (kp *KeyPair) ExportPrivate() (string, error) {
	signer, ok := kp.private.(ed25519.PrivateKey)
	if !ok {
		return "", fmt.Errorf("keyring: ExportPrivate only supports ed25519 keys")
	}
	return hex.EncodeToString(signer), nil
}

// GenerateEd25519 creates a new Ed25519 KeyPair.
func GenerateEd25519() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: generate ed25519: %w", err)
	}
	return &KeyPair{
		Public:  model.PublicKey{Type: model.KeyTypeEd25519, Value: hex.EncodeToString(pub)},
		private: priv,
	}, nil
}

// GenerateRSA creates a new RSA KeyPair of the given bit size (2048/3072/4096).
func GenerateRSA(bits int) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("keyring: generate rsa%d: %w", bits, err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keyring: marshal rsa public key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return &KeyPair{
		Public:  model.PublicKey{Type: rsaKeyType(bits), Value: string(pemBytes)},
		private: priv,
	}, nil
}

func rsaKeyType(bits int) model.KeyType {
	switch bits {
	case 2048:
		return model.KeyTypeRSA2048
	case 3072:
		return model.KeyTypeRSA3072
	case 4096:
		return model.KeyTypeRSA4096
	default:
		return model.KeyTypeUnknown
	}
}

// Sign signs message (already-canonicalized bytes) and returns a hex-encoded
// signature.
func (kp *KeyPair) Sign(message []byte) (string, error) {
	var sig []byte
	var err error
	switch kp.Public.Type {
	case model.KeyTypeEd25519:
		signer, ok := kp.private.(ed25519.PrivateKey)
		if !ok {
			return "", fmt.Errorf("keyring: private key does not match ed25519 public key")
		}
		sig = ed25519.Sign(signer, message)
	case model.KeyTypeRSA2048, model.KeyTypeRSA3072, model.KeyTypeRSA4096:
		digest := sha256.Sum256(message)
		sig, err = kp.private.Sign(rand.Reader, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256})
		if err != nil {
			return "", fmt.Errorf("keyring: rsa-pss sign: %w", err)
		}
	default:
		return "", fmt.Errorf("keyring: unsupported key type %q", kp.Public.Type)
	}
	return hex.EncodeToString(sig), nil
}

// Verify checks sigHex (hex-encoded) over message against a PublicKey.
func Verify(pub model.PublicKey, message []byte, sigHex string) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("keyring: decode signature: %w", err)
	}

	switch pub.Type {
	case model.KeyTypeEd25519:
		keyBytes, err := hex.DecodeString(pub.Value)
		if err != nil {
			return fmt.Errorf("keyring: decode ed25519 public key: %w", err)
		}
		if len(keyBytes) != ed25519.PublicKeySize {
			return fmt.Errorf("keyring: bad ed25519 public key size %d", len(keyBytes))
		}
		if !ed25519.Verify(ed25519.PublicKey(keyBytes), message, sig) {
			return fmt.Errorf("keyring: ed25519 signature verification failed")
		}
		return nil
	case model.KeyTypeRSA2048, model.KeyTypeRSA3072, model.KeyTypeRSA4096:
		block, _ := pem.Decode([]byte(pub.Value))
		if block == nil {
			return fmt.Errorf("keyring: invalid rsa public key pem")
		}
		keyIface, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return fmt.Errorf("keyring: parse rsa public key: %w", err)
		}
		rsaKey, ok := keyIface.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("keyring: public key is not rsa")
		}
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPSS(rsaKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}); err != nil {
			return fmt.Errorf("keyring: rsa-pss verify: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("keyring: unsupported key type %q", pub.Type)
	}
}

// Package sig signs and verifies OR-Map operations. A signature covers
// the canonical tuple (key, value, id) for insertions and (key, id) for
// deletions, so an operation cannot be replayed under a different key,
// value or id. Key material is pluggable over a format tag.
package sig

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"

	"github.com/observed-remove/ormap/canon"
)

const (
	FormatEd25519 = "ed25519"
	FormatRSA     = "rsa-sha256"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnknownFormat    = errors.New("unknown signature format")
	ErrBadKey           = errors.New("unusable key material")
)

// Signer produces operation signatures. Only the mutating side of a
// replica set needs one; verifying replicas carry just the Verifier.
type Signer interface {
	SignSet(key string, value any, id string) (string, error)
	SignDelete(key string, id string) (string, error)
}

// Verifier validates operation signatures. A nil error means the
// signature matches the tuple under the configured public key.
type Verifier interface {
	VerifySet(signature, key string, value any, id string) error
	VerifyDelete(signature, key, id string) error
}

// NewVerifier builds a Verifier for the public key in the given format.
func NewVerifier(key []byte, format string) (Verifier, error) {
	switch format {
	case FormatEd25519:
		pub, err := ed25519Key(key, ed25519.PublicKeySize)
		if err != nil {
			return nil, err
		}
		return edVerifier{pub: ed25519.PublicKey(pub)}, nil
	case FormatRSA:
		pub, err := rsaPublic(key)
		if err != nil {
			return nil, err
		}
		return rsaVerifier{pub: pub}, nil
	default:
		return nil, ErrUnknownFormat
	}
}

// NewSigner builds a Signer for the private key in the given format.
func NewSigner(key []byte, format string) (Signer, error) {
	switch format {
	case FormatEd25519:
		raw, err := ed25519Key(key, ed25519.PrivateKeySize)
		if err != nil {
			seed, serr := ed25519Key(key, ed25519.SeedSize)
			if serr != nil {
				return nil, err
			}
			raw = ed25519.NewKeyFromSeed(seed)
		}
		return edSigner{priv: ed25519.PrivateKey(raw)}, nil
	case FormatRSA:
		priv, err := rsaPrivate(key)
		if err != nil {
			return nil, err
		}
		return rsaSigner{priv: priv}, nil
	default:
		return nil, ErrUnknownFormat
	}
}

func setTuple(key string, value any, id string) ([]byte, error) {
	return canon.Marshal([]any{key, value, id})
}

func deleteTuple(key, id string) ([]byte, error) {
	return canon.Marshal([]any{key, id})
}

type edSigner struct {
	priv ed25519.PrivateKey
}

func (s edSigner) SignSet(key string, value any, id string) (string, error) {
	tuple, err := setTuple(key, value, id)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, tuple)), nil
}

func (s edSigner) SignDelete(key, id string) (string, error) {
	tuple, err := deleteTuple(key, id)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, tuple)), nil
}

type edVerifier struct {
	pub ed25519.PublicKey
}

func (v edVerifier) VerifySet(signature, key string, value any, id string) error {
	tuple, err := setTuple(key, value, id)
	if err != nil {
		return err
	}
	return v.check(signature, tuple)
}

func (v edVerifier) VerifyDelete(signature, key, id string) error {
	tuple, err := deleteTuple(key, id)
	if err != nil {
		return err
	}
	return v.check(signature, tuple)
}

func (v edVerifier) check(signature string, tuple []byte) error {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(v.pub, tuple, raw) {
		return ErrInvalidSignature
	}
	return nil
}

type rsaSigner struct {
	priv *rsa.PrivateKey
}

func (s rsaSigner) SignSet(key string, value any, id string) (string, error) {
	tuple, err := setTuple(key, value, id)
	if err != nil {
		return "", err
	}
	return s.sign(tuple)
}

func (s rsaSigner) SignDelete(key, id string) (string, error) {
	tuple, err := deleteTuple(key, id)
	if err != nil {
		return "", err
	}
	return s.sign(tuple)
}

func (s rsaSigner) sign(tuple []byte) (string, error) {
	sum := sha256.Sum256(tuple)
	raw, err := rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, sum[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

type rsaVerifier struct {
	pub *rsa.PublicKey
}

func (v rsaVerifier) VerifySet(signature, key string, value any, id string) error {
	tuple, err := setTuple(key, value, id)
	if err != nil {
		return err
	}
	return v.check(signature, tuple)
}

func (v rsaVerifier) VerifyDelete(signature, key, id string) error {
	tuple, err := deleteTuple(key, id)
	if err != nil {
		return err
	}
	return v.check(signature, tuple)
}

func (v rsaVerifier) check(signature string, tuple []byte) error {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	sum := sha256.Sum256(tuple)
	if rsa.VerifyPKCS1v15(v.pub, crypto.SHA256, sum[:], raw) != nil {
		return ErrInvalidSignature
	}
	return nil
}

// ed25519Key accepts raw bytes of the wanted size, or the same encoded
// as base64 or hex.
func ed25519Key(key []byte, size int) ([]byte, error) {
	if len(key) == size {
		return key, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(string(key)); err == nil && len(raw) == size {
		return raw, nil
	}
	if raw, err := hex.DecodeString(string(key)); err == nil && len(raw) == size {
		return raw, nil
	}
	return nil, ErrBadKey
}

func rsaPublic(key []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(key)
	if block == nil {
		return nil, ErrBadKey
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, ErrBadKey
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrBadKey
	}
	return pub, nil
}

func rsaPrivate(key []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(key)
	if block == nil {
		return nil, ErrBadKey
	}
	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, ErrBadKey
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrBadKey
	}
	return priv, nil
}

package sig

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func edPair(t *testing.T) (Signer, Verifier) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.Nil(t, err)
	s, err := NewSigner(priv, FormatEd25519)
	require.Nil(t, err)
	v, err := NewVerifier(pub, FormatEd25519)
	require.Nil(t, err)
	return s, v
}

func TestEd25519RoundTrip(t *testing.T) {
	s, v := edPair(t)

	sg, err := s.SignSet("k", map[string]any{"n": 1}, "00000000000000aa")
	assert.Nil(t, err)
	assert.Nil(t, v.VerifySet(sg, "k", map[string]any{"n": 1}, "00000000000000aa"))

	// any field change invalidates
	assert.Equal(t, ErrInvalidSignature, v.VerifySet(sg, "k2", map[string]any{"n": 1}, "00000000000000aa"))
	assert.Equal(t, ErrInvalidSignature, v.VerifySet(sg, "k", map[string]any{"n": 2}, "00000000000000aa"))
	assert.Equal(t, ErrInvalidSignature, v.VerifySet(sg, "k", map[string]any{"n": 1}, "00000000000000ab"))

	dg, err := s.SignDelete("k", "00000000000000aa")
	assert.Nil(t, err)
	assert.Nil(t, v.VerifyDelete(dg, "k", "00000000000000aa"))
	assert.Equal(t, ErrInvalidSignature, v.VerifySet(dg, "k", nil, "00000000000000aa"))
}

func TestWrongKeyRejected(t *testing.T) {
	s, _ := edPair(t)
	_, v2 := edPair(t)
	sg, err := s.SignSet("k", "v", "00000000000000aa")
	assert.Nil(t, err)
	assert.Equal(t, ErrInvalidSignature, v2.VerifySet(sg, "k", "v", "00000000000000aa"))
}

func TestEncodedEd25519Keys(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.Nil(t, err)

	s, err := NewSigner([]byte(base64.StdEncoding.EncodeToString(priv.Seed())), FormatEd25519)
	require.Nil(t, err)
	v, err := NewVerifier([]byte(base64.StdEncoding.EncodeToString(pub)), FormatEd25519)
	require.Nil(t, err)

	sg, err := s.SignSet("k", 42, "00000000000000aa")
	assert.Nil(t, err)
	assert.Nil(t, v.VerifySet(sg, "k", 42, "00000000000000aa"))
}

func TestRSARoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.Nil(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	})

	s, err := NewSigner(privPEM, FormatRSA)
	require.Nil(t, err)
	v, err := NewVerifier(pubPEM, FormatRSA)
	require.Nil(t, err)

	sg, err := s.SignSet("k", []any{1, "two"}, "00000000000000aa")
	assert.Nil(t, err)
	assert.Nil(t, v.VerifySet(sg, "k", []any{1, "two"}, "00000000000000aa"))
	assert.Equal(t, ErrInvalidSignature, v.VerifySet(sg, "k", []any{1, "three"}, "00000000000000aa"))
}

func TestBadInputs(t *testing.T) {
	_, err := NewVerifier([]byte("junk"), FormatEd25519)
	assert.Equal(t, ErrBadKey, err)
	_, err = NewVerifier([]byte("junk"), "hmac")
	assert.Equal(t, ErrUnknownFormat, err)
	_, err = NewSigner([]byte("junk"), FormatRSA)
	assert.Equal(t, ErrBadKey, err)

	_, v := edPair(t)
	assert.Equal(t, ErrInvalidSignature, v.VerifySet("%%%not-base64%%%", "k", 1, "00000000000000aa"))
}

// This package wraps the cryptographic primitives used by pairwise behind a
// Provider so the rest of the engine treats them as opaque operations.
package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrAuthFailed indicates an AEAD tag mismatch.
var ErrAuthFailed = errors.New("crypto: authentication failed")

// KeyPair is an X25519 agreement key pair.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// SigningKeyPair is an ed25519 signing key pair.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Provider supplies key generation, agreement, derivation, AEAD and
// signatures. Implementations must be constant-time with respect to secret
// material.
type Provider interface {
	GenerateKeyPair() (*KeyPair, error)
	GenerateSigningKeyPair() (*SigningKeyPair, error)
	DH(priv, pub []byte) ([]byte, error)
	KDF(ikm, info []byte, outLen int) ([]byte, error)
	NewNonce() ([]byte, error)
	AEADEncrypt(key, nonce, ad, plaintext []byte) ([]byte, error)
	AEADDecrypt(key, nonce, ad, ciphertext []byte) ([]byte, error)
	Sign(priv ed25519.PrivateKey, msg []byte) []byte
	Verify(pub ed25519.PublicKey, msg, sig []byte) bool
}

type naclProvider struct{}

// NewProvider returns the default provider built on nacl box keys,
// ChaCha20-Poly1305 and HKDF-SHA256.
func NewProvider() Provider {
	return &naclProvider{}
}

func (p *naclProvider) GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

func (p *naclProvider) GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningKeyPair{Public: pub, Private: priv}, nil
}

func (p *naclProvider) DH(priv, pub []byte) ([]byte, error) {
	if len(priv) != 32 || len(pub) != 32 {
		return nil, fmt.Errorf("crypto: expected 32-byte keys, got %d and %d", len(priv), len(pub))
	}
	out := box.Precompute(nacl.Key(pub), nacl.Key(priv))
	return out[:], nil
}

func (p *naclProvider) KDF(ikm, info []byte, outLen int) ([]byte, error) {
	out := make([]byte, outLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *naclProvider) NewNonce() ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

func (p *naclProvider) AEADEncrypt(key, nonce, ad, plaintext []byte) ([]byte, error) {
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, nonce, plaintext, ad), nil
}

func (p *naclProvider) AEADDecrypt(key, nonce, ad, ciphertext []byte) ([]byte, error) {
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := cipher.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (p *naclProvider) Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

func (p *naclProvider) Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// Concat length-prefixes and joins byte slices, so distinct field sets can
// never collide when signed or hashed.
func Concat(parts ...[]byte) []byte {
	msg := []byte{}
	for _, m := range parts {
		msg = binary.BigEndian.AppendUint64(msg, uint64(len(m)))
		msg = append(msg, m...)
	}
	return msg
}

// Fingerprint returns a short human-comparable digest of a device's signing
// and agreement public keys, stable across calls.
func Fingerprint(identityKey, agreementKey []byte) string {
	sum := sha256.Sum256(Concat(identityKey, agreementKey))
	h := hex.EncodeToString(sum[:16])
	groups := make([]string, 0, len(h)/4)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return strings.Join(groups, " ")
}

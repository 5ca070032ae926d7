// Copyright 2024-2026 Aiku AI

package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrIntegrity is returned when a protected secret cannot be opened: the
// envelope was tampered with, or it was sealed with another key or
// algorithm.
var ErrIntegrity = errors.New("secret integrity check failed")

// Algorithm names accepted by NewProtector.
const (
	AlgorithmAESGCM    = "aes-gcm"
	AlgorithmXChaCha20 = "xchacha20-poly1305"
	AlgorithmAge       = "age"
)

// Envelope is the at-rest form of a credential. Without a protection key
// only Token is set. With one, TokenEnc holds the ciphertext and IV/Tag the
// nonce and authentication tag where the algorithm exposes them separately.
// All binary fields are standard base64.
type Envelope struct {
	Token     string `json:"token,omitempty"`
	TokenEnc  string `json:"tokenEnc,omitempty"`
	IV        string `json:"iv,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Algorithm string `json:"alg,omitempty"`
}

// Protected reports whether the envelope holds ciphertext.
func (e Envelope) Protected() bool {
	return e.TokenEnc != "" || e.IV != ""
}

// Protector seals and opens credential envelopes.
type Protector interface {
	Protect(plaintext []byte) (Envelope, error)
	Unprotect(env Envelope) ([]byte, error)
}

// NewProtector returns the protector for algorithm keyed by key. An empty
// key disables protection. An empty algorithm selects AES-GCM.
func NewProtector(algorithm, key string) (Protector, error) {
	if key == "" {
		return Plaintext{}, nil
	}
	switch algorithm {
	case "", AlgorithmAESGCM:
		return NewAESGCM(key)
	case AlgorithmXChaCha20:
		return NewXChaCha20(key)
	case AlgorithmAge:
		return NewAge(key)
	default:
		return nil, fmt.Errorf("unknown secret protection algorithm %q", algorithm)
	}
}

// Plaintext stores credentials as-is.
type Plaintext struct{}

func (Plaintext) Protect(plaintext []byte) (Envelope, error) {
	return Envelope{Token: string(plaintext)}, nil
}

func (Plaintext) Unprotect(env Envelope) ([]byte, error) {
	if env.Protected() {
		return nil, fmt.Errorf("%w: envelope is encrypted but no key is configured", ErrIntegrity)
	}
	return []byte(env.Token), nil
}

// deriveKey turns an arbitrary-length secret into a 32-byte key.
func deriveKey(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}

// AESGCM seals with AES-256-GCM. The nonce and tag are stored next to the
// ciphertext, which keeps state files from older deployments readable.
type AESGCM struct {
	aead cipher.AEAD
}

func NewAESGCM(key string) (*AESGCM, error) {
	block, err := aes.NewCipher(deriveKey(key))
	if err != nil {
		return nil, fmt.Errorf("creating aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

func (a *AESGCM) Protect(plaintext []byte) (Envelope, error) {
	return sealSplit(a.aead, "", plaintext)
}

func (a *AESGCM) Unprotect(env Envelope) ([]byte, error) {
	if env.Algorithm != "" && env.Algorithm != AlgorithmAESGCM {
		return nil, fmt.Errorf("%w: envelope algorithm %q", ErrIntegrity, env.Algorithm)
	}
	return openSplit(a.aead, env)
}

// XChaCha20 seals with XChaCha20-Poly1305 and a random 24-byte nonce.
type XChaCha20 struct {
	aead cipher.AEAD
}

func NewXChaCha20(key string) (*XChaCha20, error) {
	aead, err := chacha20poly1305.NewX(deriveKey(key))
	if err != nil {
		return nil, fmt.Errorf("creating xchacha20-poly1305: %w", err)
	}
	return &XChaCha20{aead: aead}, nil
}

func (x *XChaCha20) Protect(plaintext []byte) (Envelope, error) {
	return sealSplit(x.aead, AlgorithmXChaCha20, plaintext)
}

func (x *XChaCha20) Unprotect(env Envelope) ([]byte, error) {
	if env.Algorithm != AlgorithmXChaCha20 {
		return nil, fmt.Errorf("%w: envelope algorithm %q", ErrIntegrity, env.Algorithm)
	}
	return openSplit(x.aead, env)
}

func sealSplit(aead cipher.AEAD, algorithm string, plaintext []byte) (Envelope, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - aead.Overhead()
	return Envelope{
		TokenEnc:  base64.StdEncoding.EncodeToString(sealed[:split]),
		IV:        base64.StdEncoding.EncodeToString(nonce),
		Tag:       base64.StdEncoding.EncodeToString(sealed[split:]),
		Algorithm: algorithm,
	}, nil
}

func openSplit(aead cipher.AEAD, env Envelope) ([]byte, error) {
	if !env.Protected() {
		return nil, fmt.Errorf("%w: envelope is not encrypted", ErrIntegrity)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.TokenEnc)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding ciphertext: %v", ErrIntegrity, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce", ErrIntegrity)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil || len(tag) != aead.Overhead() {
		return nil, fmt.Errorf("%w: bad tag", ErrIntegrity)
	}
	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}

// Age seals with an age scrypt recipient derived from the passphrase. The
// nonce and MAC live inside the age payload, so IV and Tag stay empty.
type Age struct {
	recipient *age.ScryptRecipient
	identity  *age.ScryptIdentity
}

func NewAge(passphrase string) (*Age, error) {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating age recipient: %w", err)
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating age identity: %w", err)
	}
	return &Age{recipient: recipient, identity: identity}, nil
}

// SetWorkFactor lowers or raises the scrypt cost for newly sealed envelopes.
func (a *Age) SetWorkFactor(logN int) {
	a.recipient.SetWorkFactor(logN)
}

func (a *Age) Protect(plaintext []byte) (Envelope, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, a.recipient)
	if err != nil {
		return Envelope{}, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return Envelope{}, fmt.Errorf("writing to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return Envelope{}, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return Envelope{
		TokenEnc:  base64.StdEncoding.EncodeToString(buf.Bytes()),
		Algorithm: AlgorithmAge,
	}, nil
}

func (a *Age) Unprotect(env Envelope) ([]byte, error) {
	if env.Algorithm != AlgorithmAge {
		return nil, fmt.Errorf("%w: envelope algorithm %q", ErrIntegrity, env.Algorithm)
	}
	raw, err := base64.StdEncoding.DecodeString(env.TokenEnc)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding ciphertext: %v", ErrIntegrity, err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), a.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}

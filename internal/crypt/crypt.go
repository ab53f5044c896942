package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the required length of the master key in bytes (AES-256).
const KeySize = 32

// ErrIntegrity is returned when a payload was tampered with, truncated or is
// not in nonce:tag:ciphertext form.
var ErrIntegrity = errors.New("crypt: payload integrity check failed")

// Codec encrypts secrets at rest with AES-GCM. Payloads are three
// colon-separated hex fields: nonce, authentication tag, ciphertext.
type Codec struct {
	aead cipher.AEAD
}

// New builds a Codec from a 32 byte key.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypt: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypt: cipher.NewGCM: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// NewFromHex builds a Codec from a 64 character hex key.
func NewFromHex(keyHex string) (*Codec, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, fmt.Errorf("crypt: invalid hex key: %w", err)
	}
	return New(key)
}

// GenerateKey returns a fresh random key encoded as hex.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// Encrypt returns the nonce:tag:ciphertext payload for plain.
func (c *Codec) Encrypt(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plain), nil)
	tagStart := len(sealed) - c.aead.Overhead()
	ct, tag := sealed[:tagStart], sealed[tagStart:]
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt converts a payload back to plaintext. An empty payload means the
// secret is not set and yields "" with a nil error.
func (c *Codec) Decrypt(payload string) (string, error) {
	if payload == "" {
		return "", nil
	}
	parts := strings.Split(payload, ":")
	if len(parts) != 3 {
		return "", ErrIntegrity
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return "", ErrIntegrity
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != c.aead.Overhead() {
		return "", ErrIntegrity
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrIntegrity
	}
	pt, err := c.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(pt), nil
}

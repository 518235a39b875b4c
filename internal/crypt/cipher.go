// Package crypt is the at-rest message cipher: message bodies are
// sealed before they reach storage and opened again only at the read
// boundary.
package crypt

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrBadKey        = errors.New("encryption key must be 32 bytes, base64-encoded")
	ErrBadCiphertext = errors.New("ciphertext is malformed or sealed with a different key")
)

// Box is a secretbox-based symmetric cipher. Ciphertexts are
// url-safe base64 so they store as plain text columns.
type Box struct {
	key [32]byte
}

// New builds a Box from a base64-encoded 32-byte key.
func New(encodedKey string) (*Box, error) {
	raw, err := base64.URLEncoding.DecodeString(encodedKey)
	if err != nil || len(raw) != 32 {
		return nil, ErrBadKey
	}

	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// GenerateKey returns a fresh random key in the encoding New accepts.
func GenerateKey() (string, error) {
	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(key[:]), nil
}

// Encrypt seals plaintext with a random nonce. The nonce is prepended
// to the sealed box before encoding.
func (b *Box) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < 24 {
		return "", ErrBadCiphertext
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])

	opened, ok := secretbox.Open(nil, raw[24:], &nonce, &b.key)
	if !ok {
		return "", ErrBadCiphertext
	}
	return string(opened), nil
}

// Package crypto implements the AEAD envelope codec used to encrypt every
// object this library writes to the shared bucket.
//
// Layout of an encrypted object:
//
//	[24-byte random nonce][AEAD(ciphertext || 16-byte tag)]
//
// The cipher is XChaCha20-Poly1305 IETF with a 32-byte library key and no
// associated data beyond the key's implicit binding.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the width in bytes of the library key.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the width in bytes of the random per-object nonce.
	NonceSize = chacha20poly1305.NonceSizeX
	// TagSize is the width in bytes of the Poly1305 authentication tag.
	TagSize = chacha20poly1305.Overhead
	// Overhead is the total bytes an envelope adds over the plaintext.
	Overhead = NonceSize + TagSize
)

// ErrDecryption reports that an envelope failed authentication. This is
// fatal for the object in question and must not be retried against the
// same bytes.
var ErrDecryption = errors.New("decryption")

// Key is the 32-byte symmetric library key, the root of every AEAD
// operation in this system.
type Key [KeySize]byte

// Encrypt seals plaintext under key with a fresh random nonce, returning the
// full envelope ([nonce][ciphertext][tag]) ready to write to the bucket.
func Encrypt(key Key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("encrypt: init aead: %w", err)
	}

	nonce := make([]byte, NonceSize)

	_, err = io.ReadFull(rand.Reader, nonce)
	if err != nil {
		return nil, fmt.Errorf("encrypt: read nonce: %w", err)
	}

	envelope := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	envelope = append(envelope, nonce...)
	envelope = aead.Seal(envelope, nonce, plaintext, nil)

	return envelope, nil
}

// Decrypt opens an envelope produced by Encrypt. A failed authentication
// check returns an error satisfying errors.Is(err, ErrDecryption); the
// caller must not retry decryption of the same bytes.
func Decrypt(key Key, envelope []byte) ([]byte, error) {
	if len(envelope) < NonceSize+TagSize {
		return nil, fmt.Errorf("decrypt: envelope too short (%d bytes): %w", len(envelope), ErrDecryption)
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt: init aead: %w", err)
	}

	nonce := envelope[:NonceSize]
	sealed := envelope[NonceSize:]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w: %w", ErrDecryption, err)
	}

	return plaintext, nil
}

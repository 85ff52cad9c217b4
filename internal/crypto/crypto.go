// Package crypto provides the per-session payload encryption capability.
// Keys are derived from the session secret, so only the two ends of a
// session can read audio payloads; the server routes them opaque.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Encryption is the opaque encrypt/decrypt capability the capture
// pipeline and playback path depend on.
type Encryption interface {
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// EncryptError is a per-frame failure; the frame is dropped and logged.
type EncryptError struct {
	Err error
}

func (e *EncryptError) Error() string { return fmt.Sprintf("encrypt failed: %v", e.Err) }
func (e *EncryptError) Unwrap() error { return e.Err }

type DecryptError struct {
	Err error
}

func (e *DecryptError) Error() string { return fmt.Sprintf("decrypt failed: %v", e.Err) }
func (e *DecryptError) Unwrap() error { return e.Err }

const nonceSize = 12

// AESGCM encrypts payloads with AES-256-GCM. The nonce is random per
// message and prepended to the ciphertext.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM derives a session key from the secret via HKDF-SHA256 and
// builds the AEAD. The same secret yields the same key on both ends.
func NewAESGCM(secret uuid.UUID) (*AESGCM, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret[:], nil, []byte("voicemesh-session-key"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

func (a *AESGCM) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(crand.Reader, nonce); err != nil {
		return nil, &EncryptError{Err: err}
	}
	out := make([]byte, nonceSize, nonceSize+len(data)+a.aead.Overhead())
	copy(out, nonce)
	return a.aead.Seal(out, nonce, data, nil), nil
}

func (a *AESGCM) Decrypt(data []byte) ([]byte, error) {
	if len(data) < nonceSize+a.aead.Overhead() {
		return nil, &DecryptError{Err: fmt.Errorf("payload of %d bytes too short", len(data))}
	}
	plain, err := a.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, &DecryptError{Err: err}
	}
	return plain, nil
}

package export

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encryptor seals export artifacts with XChaCha20-Poly1305. The key lives in
// configuration only; records carry the key id so artifacts remain
// decryptable across rotations.
type Encryptor struct {
	key   []byte
	keyID string
}

// NewEncryptor validates the key length up front.
func NewEncryptor(key []byte, keyID string) (*Encryptor, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("export: encryption key must be %d bytes", chacha20poly1305.KeySize)
	}
	return &Encryptor{key: key, keyID: keyID}, nil
}

// KeyID names the key an artifact was sealed with.
func (e *Encryptor) KeyID() string { return e.keyID }

// Seal encrypts plaintext, binding the ciphertext to the export id. The
// random nonce is prepended to the returned ciphertext.
func (e *Encryptor) Seal(plaintext []byte, exportID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, fmt.Errorf("export: init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("export: generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, []byte(exportID)), nil
}

// Open decrypts a sealed artifact, verifying its binding to the export id.
func (e *Encryptor) Open(ciphertext []byte, exportID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, fmt.Errorf("export: init aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("export: ciphertext too short")
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(exportID))
	if err != nil {
		return nil, fmt.Errorf("export: decrypt artifact: %w", err)
	}
	return plaintext, nil
}

// Checksum is the hex sha256 digest of the uploaded bytes.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

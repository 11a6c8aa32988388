// Package artifact provides versioned, encrypted blob storage for
// source snapshots and build outputs. Blobs are content-addressed: the
// id is the SHA-256 of the plaintext, which gives deduplication and
// tamper-evidence for free.
package artifact

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Store is the blob storage contract shared by the local and S3
// backends.
type Store interface {
	// Put stores data and returns its content-addressed id.
	Put(ctx context.Context, data []byte) (string, error)

	// Get retrieves the blob for id, verifying the content address.
	Get(ctx context.Context, id string) ([]byte, error)
}

// Encrypted blob header
const encryptedHeader = "# GATECRANE_ENCRYPTED_BLOB\n"

// BlobID returns the content address for data.
func BlobID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// sealBlob encrypts content using AES-256-GCM. Returns the original
// content when the keyring supplies no key.
func sealBlob(ctx context.Context, keyring Keyring, content []byte) ([]byte, error) {
	key, err := keyring.Key(ctx)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return content, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, content, nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)

	return []byte(encryptedHeader + encoded + "\n"), nil
}

// openBlob decrypts content if it carries the encrypted header.
func openBlob(ctx context.Context, keyring Keyring, content []byte) ([]byte, error) {
	if !isEncrypted(content) {
		return content, nil
	}

	key, err := keyring.Key(ctx)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("blob is encrypted but no key is available (set %s)", KeyEnvVar)
	}

	encoded := strings.TrimPrefix(string(content), encryptedHeader)
	encoded = strings.TrimSpace(encoded)

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted blob: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt blob (wrong key?): %w", err)
	}

	return plaintext, nil
}

func isEncrypted(content []byte) bool {
	return strings.HasPrefix(string(content), encryptedHeader)
}

// verifyID checks the tamper-evidence property after retrieval.
func verifyID(id string, data []byte) error {
	if got := BlobID(data); got != id {
		return fmt.Errorf("blob %s failed content verification (got %s)", id, got)
	}
	return nil
}

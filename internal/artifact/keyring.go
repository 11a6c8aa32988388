package artifact

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// KeyEnvVar is the environment variable for the artifact encryption key.
const KeyEnvVar = "GATECRANE_ARTIFACT_KEY"

// Keyring supplies the data key used to encrypt blobs at rest. The
// store never manages key material itself; it is always delegated.
type Keyring interface {
	// Key returns the 32-byte AES key, or nil when encryption is
	// disabled.
	Key(ctx context.Context) ([]byte, error)
}

// EnvKeyring reads the key from the environment.
type EnvKeyring struct{}

func (EnvKeyring) Key(ctx context.Context) ([]byte, error) {
	keyStr := os.Getenv(KeyEnvVar)
	if keyStr == "" {
		return nil, nil
	}

	// Key must be exactly 32 bytes for AES-256
	// If shorter, pad with zeros; if longer, truncate
	key := make([]byte, 32)
	copy(key, []byte(keyStr))
	return key, nil
}

// StaticKeyring wraps a fixed key, mainly for tests.
type StaticKeyring []byte

func (k StaticKeyring) Key(ctx context.Context) ([]byte, error) {
	if len(k) == 0 {
		return nil, nil
	}
	key := make([]byte, 32)
	copy(key, k)
	return key, nil
}

// KMSKeyring decrypts an externally-managed data key through AWS KMS
// and caches the plaintext for the life of the process.
type KMSKeyring struct {
	client *kms.Client
	// CiphertextB64 is the base64 KMS-encrypted data key.
	ciphertextB64 string

	once sync.Once
	key  []byte
	err  error
}

func NewKMSKeyring(client *kms.Client, ciphertextB64 string) *KMSKeyring {
	return &KMSKeyring{client: client, ciphertextB64: ciphertextB64}
}

func (k *KMSKeyring) Key(ctx context.Context) ([]byte, error) {
	k.once.Do(func() {
		blob, err := base64.StdEncoding.DecodeString(k.ciphertextB64)
		if err != nil {
			k.err = fmt.Errorf("failed to decode encrypted data key: %w", err)
			return
		}
		out, err := k.client.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob: blob,
		})
		if err != nil {
			k.err = fmt.Errorf("failed to decrypt data key via KMS: %w", err)
			return
		}
		if len(out.Plaintext) != 32 {
			k.err = fmt.Errorf("KMS data key must be 32 bytes, got %d", len(out.Plaintext))
			return
		}
		k.key = out.Plaintext
	})
	return k.key, k.err
}

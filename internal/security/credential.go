package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Proxy credentials leaving the process (ledger snapshots) are sealed
// with AES-GCM under a key derived from CREDENTIAL_KEY.
const (
	credentialKeyEnv = "CREDENTIAL_KEY"

	CredentialPrefix = "enc:"

	keyIterations = 4096
	keyLength     = 32
)

var credentialSalt = []byte("corvid.credential.v1")

var (
	credCipherOnce sync.Once
	credCipherInst *credCipher
	credCipherErr  error
)

type credCipher struct {
	gcm cipher.AEAD
}

func getCredCipher() (*credCipher, error) {
	credCipherOnce.Do(func() {
		rawKey := strings.TrimSpace(os.Getenv(credentialKeyEnv))
		if rawKey == "" {
			credCipherErr = errors.New("credential key not set: " + credentialKeyEnv)
			return
		}

		key := deriveCredentialKey(rawKey)

		block, err := aes.NewCipher(key)
		if err != nil {
			credCipherErr = fmt.Errorf("create cipher: %w", err)
			return
		}

		gcm, err := cipher.NewGCM(block)
		if err != nil {
			credCipherErr = fmt.Errorf("create gcm: %w", err)
			return
		}

		credCipherInst = &credCipher{gcm: gcm}
	})

	return credCipherInst, credCipherErr
}

func deriveCredentialKey(raw string) []byte {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err == nil && len(decoded) == keyLength {
		return decoded
	}
	return pbkdf2.Key([]byte(raw), credentialSalt, keyIterations, keyLength, sha256.New)
}

func EncryptCredential(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	cc, err := getCredCipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, cc.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	cipherText := cc.gcm.Seal(nil, nonce, []byte(plain), nil)
	payload := append(nonce, cipherText...)

	return CredentialPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptCredential reverses EncryptCredential. Plaintext values pass
// through untouched so legacy snapshots stay readable.
func DecryptCredential(value string) (string, error) {
	if value == "" {
		return "", nil
	}

	if !strings.HasPrefix(value, CredentialPrefix) {
		return value, nil
	}

	encoded := strings.TrimPrefix(value, CredentialPrefix)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	cc, err := getCredCipher()
	if err != nil {
		return "", err
	}

	nonceSize := cc.gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce := data[:nonceSize]
	cipherText := data[nonceSize:]

	plain, err := cc.gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt ciphertext: %w", err)
	}

	return string(plain), nil
}

func IsCredentialEncrypted(value string) bool {
	return strings.HasPrefix(value, CredentialPrefix)
}

func ResetCredentialCipherForTests() {
	credCipherOnce = sync.Once{}
	credCipherInst = nil
	credCipherErr = nil
}

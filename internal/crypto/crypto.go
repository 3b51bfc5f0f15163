package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shalteor/zerotrace/internal/models"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2 parameters for the envelope key
	PBKDF2Iterations = 100_000
	KeyLength        = 32 // AES-256

	// NonceLength is the GCM nonce size stored in the envelope
	NonceLength = 12
)

var (
	// ErrDecryption covers both a wrong PIN and a corrupted envelope.
	// Callers must not be able to tell the two apart.
	ErrDecryption = errors.New("decryption failed - invalid PIN or corrupted data")
)

// Hash returns the hex SHA-256 digest of input
func Hash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the hex SHA-256 digest of data
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DeriveKey derives the AES key from a PIN and an envelope salt using PBKDF2-HMAC-SHA256
func DeriveKey(pin, salt string) []byte {
	return pbkdf2.Key([]byte(pin+salt), []byte(salt), PBKDF2Iterations, KeyLength, sha256.New)
}

// Encrypt marshals v to JSON and seals it under a key derived from pin.
// Every call uses a fresh salt and nonce.
func Encrypt(v any, pin string) (*models.Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plaintext: %w", err)
	}

	salt := uuid.NewString()
	nonce, err := GenerateRandomBytes(NonceLength)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(DeriveKey(pin, salt))
	if err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return &models.Envelope{
		Ciphertext: hex.EncodeToString(ciphertext),
		IV:         hex.EncodeToString(nonce),
		Salt:       salt,
	}, nil
}

// Decrypt opens env with a key derived from pin and unmarshals the plaintext into out.
// Any failure is reported as ErrDecryption.
func Decrypt(env *models.Envelope, pin string, out any) error {
	if env == nil || env.Salt == "" {
		return ErrDecryption
	}

	nonce, err := hex.DecodeString(env.IV)
	if err != nil || len(nonce) != NonceLength {
		return ErrDecryption
	}

	ciphertext, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return ErrDecryption
	}

	gcm, err := newGCM(DeriveKey(pin, env.Salt))
	if err != nil {
		return ErrDecryption
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrDecryption
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return ErrDecryption
	}

	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// ConstantTimeEqual compares two digests without leaking the position of the first difference
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var result byte
	for i := 0; i < len(a); i++ {
		result |= a[i] ^ b[i]
	}
	return result == 0
}

// GenerateRandomBytes generates n random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// Package crypto hashes and verifies the numeric PIN used to pre-authorize peers.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize = 16
	keySize  = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4

	// PINDigits is the length of generated PINs.
	PINDigits = 6
)

// ErrInvalidPIN indicates a negative PIN value.
var ErrInvalidPIN = errors.New("crypto: PIN must not be negative")

// NewSalt returns a random base64 salt.
func NewSalt() (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

// HashPIN derives the stored argon2id digest of pin.
func HashPIN(pin int, salt string) (string, error) {
	if pin < 0 {
		return "", ErrInvalidPIN
	}
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	key := argon2.IDKey([]byte(strconv.Itoa(pin)), rawSalt, argonTime, argonMemory, argonThreads, keySize)
	return base64.StdEncoding.EncodeToString(key), nil
}

// VerifyPIN reports whether pin matches the stored digest.
func VerifyPIN(pin int, salt, hash string) bool {
	if hash == "" || salt == "" {
		return false
	}
	candidate, err := HashPIN(pin, salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(hash)) == 1
}

// GeneratePIN returns a random PIN of PINDigits digits.
func GeneratePIN() (int, error) {
	limit := big.NewInt(1)
	for i := 0; i < PINDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return 0, fmt.Errorf("generate PIN: %w", err)
	}
	return int(n.Int64()), nil
}

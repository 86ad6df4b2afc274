package utils

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

func GetSecret(conf string, file string) string {
	if conf == "" && file == "" {
		return ""
	}

	if conf != "" {
		return conf
	}

	contents, err := ReadFile(file)

	if err != nil {
		return ""
	}

	return ParseSecretFile(contents)
}

func ParseSecretFile(contents string) string {
	for line := range strings.SplitSeq(contents, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		return strings.TrimSpace(line)
	}

	return ""
}

// GenerateOpaqueToken returns a random URL safe token carrying size bytes of entropy.
func GenerateOpaqueToken(size int) (string, error) {
	if size < 16 {
		return "", errors.New("token size must be at least 16 bytes")
	}
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenHasher produces deterministic lookup hashes for opaque credentials.
type TokenHasher struct {
	key []byte
}

const tokenHashInfo = "tinytrust token hash v1"

func NewTokenHasher(secret string) (*TokenHasher, error) {
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(tokenHashInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive token hash key: %w", err)
	}
	return &TokenHasher{key: key}, nil
}

func (h *TokenHasher) Hash(token string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *TokenHasher) Equal(token string, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(h.Hash(token)), []byte(hash)) == 1
}

// RedactToken keeps a short prefix of a credential for logs.
func RedactToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:6] + "****"
}

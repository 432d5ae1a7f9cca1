package enroll

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avaropoint/pzone/internal/store"
)

// Code alphabet: uppercase and digits without O/0/I/1/L.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// Code defaults.
const (
	CodeLength        = 8
	DefaultCodeExpiry = 15 * time.Minute
	DefaultCodeUses   = 1
)

// NewCode creates an enrollment token and its display code (XXXX-XXXX).
// Only the hash of the code is kept in the token.
func NewCode(label string, maxUses int, expiry time.Duration, now time.Time) (*store.EnrollmentToken, string, error) {
	if maxUses < 1 {
		maxUses = DefaultCodeUses
	}
	if expiry <= 0 {
		expiry = DefaultCodeExpiry
	}
	code, err := randomCode(CodeLength)
	if err != nil {
		return nil, "", fmt.Errorf("generate enrollment code: %w", err)
	}
	token := &store.EnrollmentToken{
		ID:        uuid.NewString(),
		CodeHash:  hashCode(code),
		Label:     label,
		MaxUses:   maxUses,
		CreatedAt: now,
		ExpiresAt: now.Add(expiry),
	}
	return token, formatCode(code), nil
}

// HashCode normalises and hashes an enrollment code for lookup. Dashes and
// surrounding whitespace are dropped and letters uppercased.
func HashCode(code string) string {
	cleaned := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	return hashCode(cleaned)
}

func randomCode(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	code := make([]byte, length)
	for i := range b {
		code[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(code), nil
}

// formatCode inserts a dash every 4 characters.
func formatCode(code string) string {
	var parts []string
	for i := 0; i < len(code); i += 4 {
		parts = append(parts, code[i:min(i+4, len(code))])
	}
	return strings.Join(parts, "-")
}

func hashCode(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

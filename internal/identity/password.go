package identity

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterationCount is used for new hashes unless configured
	// otherwise. Existing records keep the count they were written with.
	DefaultIterationCount = 4096

	hashLength      = 64
	userSaltLength  = 32
	fixedSaltLength = 32
)

// PasswordHasher derives salted, iterated hashes with PBKDF2-HMAC-SHA512.
// The tenant-wide fixed salt and the per-user random salt are concatenated,
// and the iteration count is stored per user so historical records remain
// verifiable after the default changes.
type PasswordHasher struct {
	iterations int
}

// NewPasswordHasher constructs a hasher. A non-positive iteration count
// falls back to DefaultIterationCount.
func NewPasswordHasher(iterations int) *PasswordHasher {
	if iterations <= 0 {
		iterations = DefaultIterationCount
	}
	return &PasswordHasher{iterations: iterations}
}

// Hash derives a hash from the plaintext using a fresh random per-user salt
// and the hasher's current iteration count.
func (h *PasswordHasher) Hash(password string, fixedSalt []byte) (hash, salt []byte, iterations int, err error) {
	if password == "" {
		return nil, nil, 0, fmt.Errorf("%w: password is required", ErrBadRequest)
	}
	salt = make([]byte, userSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, 0, fmt.Errorf("generate salt: %w", err)
	}
	return h.derive(password, fixedSalt, salt, h.iterations), salt, h.iterations, nil
}

// Verify reports whether the candidate matches the stored material. The
// comparison is constant time.
func (h *PasswordHasher) Verify(password string, fixedSalt, salt []byte, iterations int, expected []byte) bool {
	if password == "" || len(expected) == 0 || iterations <= 0 {
		return false
	}
	candidate := h.derive(password, fixedSalt, salt, iterations)
	return subtle.ConstantTimeCompare(candidate, expected) == 1
}

func (h *PasswordHasher) derive(password string, fixedSalt, salt []byte, iterations int) []byte {
	combined := make([]byte, 0, len(fixedSalt)+len(salt))
	combined = append(combined, fixedSalt...)
	combined = append(combined, salt...)
	return pbkdf2.Key([]byte(password), combined, iterations, hashLength, sha512.New)
}

// NewFixedSalt generates a tenant-wide secondary salt component.
func NewFixedSalt() ([]byte, error) {
	salt := make([]byte, fixedSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: generate fixed salt: %v", ErrInternal, err)
	}
	return salt, nil
}

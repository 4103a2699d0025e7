package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// burnDummyCompare spends one bcrypt comparison so an unknown username costs
// the same as a wrong password.
func burnDummyCompare(password string) {
	dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("saleslens-dummy-password"), bcrypt.DefaultCost)
		if err != nil {
			// MinCost fallback still walks the bcrypt path.
			h, _ = bcrypt.GenerateFromPassword([]byte("saleslens-dummy-password"), bcrypt.MinCost)
		}
		dummyHash = h
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

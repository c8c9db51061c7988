package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// hashCost is the bcrypt cost used when the configured token is plaintext
var hashCost = bcrypt.DefaultCost

// Token is the hashed admin token
type Token struct {
	hash []byte
}

// ParseToken accepts either a bcrypt hash ("$2a$...") or a plaintext token,
// which is hashed so the plaintext does not stay in memory.
func ParseToken(configured string) (*Token, error) {
	if configured == "" {
		return nil, errors.New("admin token is empty")
	}

	if strings.HasPrefix(configured, "$2") {
		if _, err := bcrypt.Cost([]byte(configured)); err != nil {
			return nil, err
		}
		return &Token{hash: []byte(configured)}, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(configured), hashCost)
	if err != nil {
		return nil, err
	}
	return &Token{hash: hash}, nil
}

// HashToken returns the bcrypt hash of plaintext, for putting in config
func HashToken(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Matches checks if a plaintext token matches the hash
func (t *Token) Matches(plaintext string) (bool, error) {
	err := bcrypt.CompareHashAndPassword(t.hash, []byte(plaintext))
	if err != nil {
		switch {
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, err
		}
	}
	return true, nil
}

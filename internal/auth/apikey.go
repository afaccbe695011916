package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidAPIKey is returned when a presented key does not match.
var ErrInvalidAPIKey = errors.New("auth: invalid api key")

// HashAPIKey returns the bcrypt hash stored in configuration for key.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("api key must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// CheckAPIKey compares key against a bcrypt hash.
func CheckAPIKey(hash, key string) error {
	if hash == "" || key == "" {
		return ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return ErrInvalidAPIKey
	}
	return nil
}

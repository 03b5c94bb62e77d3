package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashRoomPassword returns the bcrypt hash of a room password, or nil when
// the room is open.
func HashRoomPassword(password string) (*string, error) {
	if password == "" {
		return nil, nil
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("bcrypt: %w", err)
	}
	h := string(b)
	return &h, nil
}

// RoomPasswordMatches reports whether plain matches hashed. An empty hash
// never matches.
func RoomPasswordMatches(plain, hashed string) bool {
	if hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}

// RandomKey returns n random bytes hex-encoded. Stream keys use it.
func RandomKey(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

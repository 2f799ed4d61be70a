package usecase

import (
	"crypto/rand"
	"encoding/base64"
	"io"
)

const sessionTokenBytes = 32

// generateSessionToken returns 32 random bytes, base64url-encoded without padding.
func generateSessionToken() (string, error) {
	buffer := make([]byte, sessionTokenBytes)
	if _, err := io.ReadFull(rand.Reader, buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

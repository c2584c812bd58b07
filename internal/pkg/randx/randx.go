/*
Package randx generates identifiers: server-assigned user ids and fallback
display names for logins that arrive without one.
*/
package randx

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

const (
	// base62Chars is the alphabet used for generated nicknames.
	base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// nicknameRandomLength is the random suffix length of a nickname.
	nicknameRandomLength = 6
)

// UserID returns a new opaque user id for a connection that did not
// supply one of its own.
func UserID() string {
	return uuid.NewString()
}

// Nickname returns a random "User_XXXXXX" display name, drawn from
// crypto/rand.
func Nickname() (string, error) {
	result := make([]byte, nicknameRandomLength)

	for i := 0; i < nicknameRandomLength; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62Chars))))
		if err != nil {
			return "", fmt.Errorf("failed to generate random nickname: %w", err)
		}
		result[i] = base62Chars[num.Int64()]
	}

	return "User_" + string(result), nil
}

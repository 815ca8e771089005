package room

import (
	"crypto/rand"
	"fmt"
)

const (
	// CodeLength is the number of characters in a room code.
	CodeLength = 8

	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// codeRejectAbove is the largest multiple of len(codeAlphabet) that fits in a
// byte. Bytes at or above it are discarded so every character is equally likely.
const codeRejectAbove = 256 - 256%len(codeAlphabet)

// GenerateCode returns a random room code of CodeLength characters drawn from
// [A-Z0-9].
func GenerateCode() (string, error) {
	var out [CodeLength]byte
	var buf [2 * CodeLength]byte

	n := 0
	for n < CodeLength {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= codeRejectAbove {
				continue
			}
			out[n] = codeAlphabet[int(b)%len(codeAlphabet)]
			n++
			if n == CodeLength {
				break
			}
		}
	}
	return string(out[:]), nil
}

// ValidCode reports whether code has the room code format.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// Package report stores abuse reports. Reports are write-once and each one
// expires on its own schedule, DefaultRetention after it was received.
package report

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/blake2b"
)

const DefaultRetention = 7 * 24 * time.Hour

var ErrInvalidSnippetHash = errors.New("snippet hash must be a lowercase hex BLAKE2b-256 digest")

// Submission is the data a client supplies when reporting a room.
type Submission struct {
	RoomCode string
	// ClientTimestamp is the client's clock in unix milliseconds.
	ClientTimestamp int64
	SnippetHash     string
}

type Report struct {
	ID              string    `json:"id"`
	RoomCode        string    `json:"roomCode"`
	ClientTimestamp int64     `json:"clientTimestamp"`
	SnippetHash     string    `json:"snippetHash"`
	ReceivedAt      time.Time `json:"receivedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Store persists reports until they expire.
type Store interface {
	Submit(ctx context.Context, sub Submission) (string, error)
	// Lookup is for administrative tooling only.
	Lookup(ctx context.Context, id string) (Report, bool, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// HashSnippet returns the digest clients send in place of reported text.
func HashSnippet(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ValidSnippetHash reports whether s looks like a HashSnippet digest.
func ValidSnippetHash(s string) bool {
	if len(s) != 2*blake2b.Size256 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now.UTC()), entropy).String()
}

func newReport(sub Submission, now time.Time, retention time.Duration) Report {
	return Report{
		ID:              newID(now),
		RoomCode:        sub.RoomCode,
		ClientTimestamp: sub.ClientTimestamp,
		SnippetHash:     sub.SnippetHash,
		ReceivedAt:      now.UTC(),
		ExpiresAt:       now.UTC().Add(retention),
	}
}

package signalclient

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Offer is a relayed SDP offer. From is the sender's session id.
type Offer struct {
	From        string
	Description webrtc.SessionDescription
}

type Answer struct {
	From        string
	Description webrtc.SessionDescription
}

type ICECandidate struct {
	From      string
	Candidate webrtc.ICECandidateInit
}

// Message is a relayed chat message, stamped by the server.
type Message struct {
	From   string
	Text   string
	SentAt time.Time
}

type Typing struct {
	From     string
	IsTyping bool
}

// ParticipantChange reports a join or leave and the resulting room size.
type ParticipantChange struct {
	SessionID        string
	ParticipantCount int
}

type ConnectionState int

const (
	Connected ConnectionState = iota
	Reconnecting
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionEvent reports transport changes. Err is the cause of a
// Reconnecting or Closed transition, when there is one.
type ConnectionEvent struct {
	State ConnectionState
	Err   error
}

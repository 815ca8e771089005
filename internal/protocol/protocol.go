// Package protocol defines the room signaling wire format shared by the relay
// server and the client channel.
//
// Every frame is an Envelope. Requests carry a positive id and are answered
// by an "ack" frame with the same id. Everything else is fire-and-forget.
package protocol

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

type Event string

const (
	// Client -> server requests.
	EventCreateRoom      Event = "create-room"
	EventJoinRoom        Event = "join-room"
	EventLeaveRoom       Event = "leave-room"
	EventGetParticipants Event = "get-participants"
	EventSubmitReport    Event = "submit-report"

	// Relayed in both directions.
	EventSendMessage  Event = "send-message"
	EventTyping       Event = "typing"
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventICECandidate Event = "ice-candidate"

	// Server -> client.
	EventAck               Event = "ack"
	EventError             Event = "error"
	EventReceiveMessage    Event = "receive-message"
	EventParticipantJoined Event = "participant-joined"
	EventParticipantLeft   Event = "participant-left"
)

// IsRequest reports whether e expects an ack.
func (e Event) IsRequest() bool {
	switch e {
	case EventCreateRoom, EventJoinRoom, EventLeaveRoom, EventGetParticipants, EventSubmitReport:
		return true
	default:
		return false
	}
}

// Failure codes carried in Ack.Code and ErrorPayload.Code.
const (
	CodeRoomNotFound       = "room_not_found"
	CodeRoomFull           = "room_full"
	CodeAlreadyInRoom      = "already_in_room"
	CodeSessionInUse       = "session_in_use"
	CodeNotInRoom          = "not_in_room"
	CodeInvalidRequest     = "invalid_request"
	CodeInvalidSnippetHash = "invalid_snippet_hash"
	CodeInternalError      = "internal_error"
	CodeRateLimited        = "rate_limited"
	CodeBadMessage         = "bad_message"
)

var failureMessages = map[string]string{
	CodeRoomNotFound:       "Room not found",
	CodeRoomFull:           "Room is full",
	CodeAlreadyInRoom:      "Already in a room",
	CodeSessionInUse:       "Session already in room",
	CodeNotInRoom:          "Not in a room",
	CodeInvalidRequest:     "Invalid request",
	CodeInvalidSnippetHash: "Message snippet must be a hex BLAKE2b-256 digest",
	CodeInternalError:      "Internal error",
}

// FailureMessage returns the human readable text sent alongside code.
func FailureMessage(code string) string {
	if msg, ok := failureMessages[code]; ok {
		return msg
	}
	return code
}

// SessionDescription is the JSON-friendly form of an SDP offer/answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SessionDescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type CreateRoomRequest struct {
	SessionID string `json:"sessionId"`
}

type JoinRoomRequest struct {
	RoomCode  string `json:"roomCode"`
	SessionID string `json:"sessionId"`
}

type SubmitReportRequest struct {
	RoomCode string `json:"roomCode"`
	// Timestamp is the client clock in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	// MessageSnippet is the hex BLAKE2b-256 digest of the reported text.
	MessageSnippet string `json:"messageSnippet"`
}

// SendMessageRequest may carry the sender's clock and session. The relay
// forwards Timestamp and ignores SessionID: the bound session is stamped on
// the echo instead.
type SendMessageRequest struct {
	RoomCode  string `json:"roomCode,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type TypingRequest struct {
	RoomCode string `json:"roomCode,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// SignalPayload carries exactly one of Offer, Answer or Candidate. SessionID
// is stamped by the relay with the sender's session.
type SignalPayload struct {
	RoomCode  string              `json:"roomCode,omitempty"`
	SessionID string              `json:"sessionId,omitempty"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`
}

// Validate checks that p carries the blob matching ev.
func (p SignalPayload) Validate(ev Event) error {
	switch ev {
	case EventOffer:
		if p.Offer == nil || p.Answer != nil || p.Candidate != nil {
			return fmt.Errorf("offer event must carry only offer")
		}
		if p.Offer.Type != "offer" {
			return fmt.Errorf("offer event has sdp type %q", p.Offer.Type)
		}
	case EventAnswer:
		if p.Answer == nil || p.Offer != nil || p.Candidate != nil {
			return fmt.Errorf("answer event must carry only answer")
		}
		if p.Answer.Type != "answer" {
			return fmt.Errorf("answer event has sdp type %q", p.Answer.Type)
		}
	case EventICECandidate:
		if p.Candidate == nil || p.Offer != nil || p.Answer != nil {
			return fmt.Errorf("ice-candidate event must carry only candidate")
		}
	default:
		return fmt.Errorf("%q is not a signaling event", ev)
	}
	return nil
}

type ReceiveMessage struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	// Timestamp is the sender's clock in unix milliseconds, or the server
	// receive time when the sender supplied none.
	Timestamp int64 `json:"timestamp"`
}

type TypingNotice struct {
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

type ParticipantNotice struct {
	SessionID        string `json:"sessionId"`
	ParticipantCount int    `json:"participantCount"`
}

// Ack answers a request. Success=false carries Code and Error.
type Ack struct {
	Success      bool     `json:"success"`
	RoomCode     string   `json:"roomCode,omitempty"`
	Participants []string `json:"participants,omitempty"`
	ReportID     string   `json:"reportId,omitempty"`
	Code         string   `json:"code,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func FailureAck(code string) Ack {
	return Ack{Success: false, Code: code, Error: FailureMessage(code)}
}

// ErrorPayload is sent in an "error" frame before the server closes the
// connection for a protocol violation.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

package signalclient

import (
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrNotInRoom    = errors.New("not in a room")

	// ErrDisconnected fails requests whose connection dropped before the
	// ack arrived, and sends attempted while reconnecting.
	ErrDisconnected = errors.New("signalclient: disconnected")
	ErrClosed       = errors.New("signalclient: closed")
)

// RequestError is a failed ack. Known codes unwrap to the matching sentinel.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed: %s", e.Code)
	}
	return fmt.Sprintf("request failed: %s (%s)", e.Message, e.Code)
}

func (e *RequestError) Unwrap() error {
	switch e.Code {
	case protocol.CodeRoomNotFound:
		return ErrRoomNotFound
	case protocol.CodeRoomFull:
		return ErrRoomFull
	case protocol.CodeNotInRoom:
		return ErrNotInRoom
	default:
		return nil
	}
}

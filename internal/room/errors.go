package room

import "errors"

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrSessionInUse = errors.New("session already in room")

	// ErrCodeSpaceExhausted is returned when Create could not find an unused
	// code within maxCreateAttempts.
	ErrCodeSpaceExhausted = errors.New("failed to allocate unique room code")
)

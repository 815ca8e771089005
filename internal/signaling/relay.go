package signaling

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/report"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
)

const reportSubmitTimeout = 5 * time.Second

// badPayloadError marks a fire-and-forget frame whose data could not be
// decoded. Those end the connection; malformed requests only fail their ack.
type badPayloadError struct {
	event protocol.Event
	err   error
}

func (e *badPayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.event, e.err)
}

func (e *badPayloadError) Unwrap() error { return e.err }

// dispatch handles one inbound frame. A panic in a handler is contained to
// that frame.
func (s *Server) dispatch(p *peer, f protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Inc(metrics.HandlerPanics)
			p.log.Error("panic in event handler", "event", f.Event, "panic", r, "stack", string(debug.Stack()))
			p.ack(f.ID, protocol.FailureAck(protocol.CodeInternalError))
		}
	}()

	var err error
	switch f.Event {
	case protocol.EventCreateRoom:
		s.handleCreateRoom(p, f)
	case protocol.EventJoinRoom:
		s.handleJoinRoom(p, f)
	case protocol.EventLeaveRoom:
		s.handleLeaveRoom(p, f)
	case protocol.EventGetParticipants:
		s.handleGetParticipants(p, f)
	case protocol.EventSubmitReport:
		s.handleSubmitReport(p, f)
	case protocol.EventSendMessage:
		err = s.handleSendMessage(p, f)
	case protocol.EventTyping:
		err = s.handleTyping(p, f)
	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		err = s.handleSignal(p, f)
	default:
		s.metrics.Inc(metrics.ProtocolErrors)
		p.fail(protocol.CodeBadMessage, fmt.Sprintf("unexpected event %q", f.Event), websocket.ClosePolicyViolation, "bad message")
		return
	}

	var bad *badPayloadError
	if errors.As(err, &bad) {
		s.metrics.Inc(metrics.ProtocolErrors)
		p.fail(protocol.CodeBadMessage, bad.Error(), websocket.ClosePolicyViolation, "bad message")
	}
}

func (s *Server) handleCreateRoom(p *peer, f protocol.Frame) {
	var req protocol.CreateRoomRequest
	if err := f.Payload(&req); err != nil || req.SessionID == "" {
		p.ack(f.ID, protocol.FailureAck(protocol.CodeInvalidRequest))
		return
	}
	if p.bound() {
		p.ack(f.ID, protocol.FailureAck(protocol.CodeAlreadyInRoom))
		return
	}

	code, err := s.rooms.Create(req.SessionID, p.id)
	if err != nil {
		p.log.Error("create room", "err", err)
		p.ack(f.ID, protocol.FailureAck(protocol.CodeInternalError))
		return
	}
	p.bind(code, req.SessionID)
	s.metrics.Inc(metrics.RoomsCreated)
	p.log.Info("room created", "room_code", code)
	p.ack(f.ID, protocol.Ack{Success: true, RoomCode: code})
}

func (s *Server) handleJoinRoom(p *peer, f protocol.Frame) {
	var req protocol.JoinRoomRequest
	if err := f.Payload(&req); err != nil || req.SessionID == "" || req.RoomCode == "" {
		p.ack(f.ID, protocol.FailureAck(protocol.CodeInvalidRequest))
		return
	}
	if p.bound() {
		p.ack(f.ID, protocol.FailureAck(protocol.CodeAlreadyInRoom))
		return
	}

	members, err := s.rooms.Join(req.RoomCode, req.SessionID, p.id)
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		s.metrics.Inc(metrics.JoinNotFound)
		p.ack(f.ID, protocol.FailureAck(protocol.CodeRoomNotFound))
		return
	case errors.Is(err, room.ErrRoomFull):
		s.metrics.Inc(metrics.JoinRoomFull)
		p.ack(f.ID, protocol.FailureAck(protocol.CodeRoomFull))
		return
	case errors.Is(err, room.ErrSessionInUse):
		p.ack(f.ID, protocol.FailureAck(protocol.CodeSessionInUse))
		return
	case err != nil:
		p.log.Error("join room", "room_code", req.RoomCode, "err", err)
		p.ack(f.ID, protocol.FailureAck(protocol.CodeInternalError))
		return
	}

	p.bind(req.RoomCode, req.SessionID)
	s.metrics.Inc(metrics.RoomsJoined)
	p.log.Info("joined room", "room_code", req.RoomCode, "participant_count", len(members))

	s.fanOut(members, "", protocol.EventParticipantJoined, protocol.ParticipantNotice{
		SessionID:        req.SessionID,
		ParticipantCount: len(members),
	})
	p.ack(f.ID, protocol.Ack{Success: true, RoomCode: req.RoomCode, Participants: sessionIDs(members)})
}

func (s *Server) handleLeaveRoom(p *peer, f protocol.Frame) {
	if !p.bound() {
		p.ack(f.ID, protocol.FailureAck(protocol.CodeNotInRoom))
		return
	}
	s.leave(p)
	p.ack(f.ID, protocol.Ack{Success: true})
}

func (s *Server) handleGetParticipants(p *peer, f protocol.Frame) {
	if !p.bound() {
		p.ack(f.ID, protocol.FailureAck(protocol.CodeNotInRoom))
		return
	}
	members, ok := s.rooms.Members(p.roomCode)
	if !ok {
		s.metrics.Inc(metrics.DroppedNoRoom)
		p.ack(f.ID, protocol.FailureAck(protocol.CodeRoomNotFound))
		return
	}
	p.ack(f.ID, protocol.Ack{Success: true, RoomCode: p.roomCode, Participants: sessionIDs(members)})
}

func (s *Server) handleSubmitReport(p *peer, f protocol.Frame) {
	var req protocol.SubmitReportRequest
	if err := f.Payload(&req); err != nil {
		p.ack(f.ID, protocol.FailureAck(protocol.CodeInvalidRequest))
		return
	}
	code := req.RoomCode
	if p.bound() {
		code = p.roomCode
	}
	if !room.ValidCode(code) {
		p.ack(f.ID, protocol.FailureAck(protocol.CodeInvalidRequest))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reportSubmitTimeout)
	defer cancel()
	id, err := s.reports.Submit(ctx, report.Submission{
		RoomCode:        code,
		ClientTimestamp: req.Timestamp,
		SnippetHash:     req.MessageSnippet,
	})
	if errors.Is(err, report.ErrInvalidSnippetHash) {
		p.ack(f.ID, protocol.FailureAck(protocol.CodeInvalidSnippetHash))
		return
	}
	if err != nil {
		p.log.Error("store report", "room_code", code, "err", err)
		p.ack(f.ID, protocol.FailureAck(protocol.CodeInternalError))
		return
	}
	s.metrics.Inc(metrics.ReportsStored)
	p.log.Info("report stored", "room_code", code, "report_id", id)
	p.ack(f.ID, protocol.Ack{Success: true, ReportID: id})
}

func (s *Server) handleSendMessage(p *peer, f protocol.Frame) error {
	var req protocol.SendMessageRequest
	if err := f.Payload(&req); err != nil {
		return &badPayloadError{event: f.Event, err: err}
	}
	if !s.requireRoom(p, f.Event) {
		return nil
	}
	now := s.now()
	members, ok := s.rooms.AppendMessage(p.roomCode, room.Message{
		SessionID: p.sessionID,
		Text:      req.Message,
		SentAt:    now,
	})
	if !ok {
		s.dropNoRoom(p, f.Event)
		return nil
	}
	s.metrics.Inc(metrics.MessagesRelayed)
	ts := req.Timestamp
	if ts == 0 {
		ts = now.UnixMilli()
	}
	s.fanOut(members, "", protocol.EventReceiveMessage, protocol.ReceiveMessage{
		Message:   req.Message,
		SessionID: p.sessionID,
		Timestamp: ts,
	})
	return nil
}

func (s *Server) handleTyping(p *peer, f protocol.Frame) error {
	var req protocol.TypingRequest
	if err := f.Payload(&req); err != nil {
		return &badPayloadError{event: f.Event, err: err}
	}
	if !s.requireRoom(p, f.Event) {
		return nil
	}
	members, ok := s.rooms.Members(p.roomCode)
	if !ok {
		s.dropNoRoom(p, f.Event)
		return nil
	}
	s.fanOut(members, "", protocol.EventTyping, protocol.TypingNotice{
		SessionID: p.sessionID,
		IsTyping:  req.IsTyping,
	})
	return nil
}

// handleSignal forwards offer, answer and ice-candidate blobs to the other
// members of the room. The blob is not interpreted.
func (s *Server) handleSignal(p *peer, f protocol.Frame) error {
	var payload protocol.SignalPayload
	if err := f.Payload(&payload); err != nil {
		return &badPayloadError{event: f.Event, err: err}
	}
	if err := payload.Validate(f.Event); err != nil {
		return &badPayloadError{event: f.Event, err: err}
	}
	if !s.requireRoom(p, f.Event) {
		return nil
	}
	members, ok := s.rooms.Members(p.roomCode)
	if !ok {
		s.dropNoRoom(p, f.Event)
		return nil
	}

	payload.RoomCode = ""
	payload.SessionID = p.sessionID
	s.metrics.Inc(metrics.SignalsRelayed)
	s.fanOut(members, p.id, f.Event, payload)
	return nil
}

func (s *Server) requireRoom(p *peer, ev protocol.Event) bool {
	if p.bound() {
		return true
	}
	s.metrics.Inc(metrics.DroppedNotInRoom)
	p.log.Debug("dropping event from connection without a room", "event", ev)
	return false
}

func (s *Server) dropNoRoom(p *peer, ev protocol.Event) {
	s.metrics.Inc(metrics.DroppedNoRoom)
	p.log.Debug("dropping event for missing room", "event", ev, "room_code", p.roomCode)
}

// leave removes p from its room and tells whoever remains.
func (s *Server) leave(p *peer) {
	code, sessionID := p.roomCode, p.sessionID
	p.unbind()

	res := s.rooms.Leave(code, sessionID)
	if !res.Removed {
		return
	}
	if res.Deleted {
		s.metrics.Inc(metrics.RoomsDeleted)
		p.log.Info("room deleted", "room_code", code)
		return
	}
	s.fanOut(res.Remaining, p.id, protocol.EventParticipantLeft, protocol.ParticipantNotice{
		SessionID:        sessionID,
		ParticipantCount: len(res.Remaining),
	})
}

// disconnect is the only cleanup path for a closed connection.
func (s *Server) disconnect(p *peer) {
	if p.bound() {
		s.leave(p)
	}
}

// fanOut delivers one event to every member except the connection with id
// except. Members are encoded per connection since codecs may differ.
func (s *Server) fanOut(members []room.Participant, except string, ev protocol.Event, payload any) {
	for _, m := range members {
		if m.ConnID == except {
			continue
		}
		target, ok := s.lookupPeer(m.ConnID)
		if !ok {
			continue
		}
		target.emit(ev, payload)
	}
}

func sessionIDs(members []room.Participant) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.SessionID)
	}
	return out
}

// Package signaling is the room relay's WebSocket surface.
//
// Each connection may bind to at most one room. Requests (create, join,
// leave, participants, report) are answered with acks; chat, typing and
// WebRTC negotiation events are relayed verbatim to the other members of the
// bound room. The relay never inspects SDP or candidates.
package signaling

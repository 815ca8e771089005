package room

import (
	"sort"
	"sync"
	"time"
)

const (
	// Capacity is the maximum number of participants in a room.
	Capacity = 2

	DefaultMaxMessages = 1000

	maxCreateAttempts = 16
)

type Participant struct {
	SessionID string
	ConnID    string
	JoinedAt  time.Time
}

// Message is one entry in a room's ephemeral message log.
type Message struct {
	SessionID string
	Text      string
	SentAt    time.Time
}

// Snapshot is a read-only copy of a room.
type Snapshot struct {
	Code         string
	Participants []Participant
	MessageCount int
	CreatedAt    time.Time
}

// Detail is the per-room summary exposed by the stats endpoint.
type Detail struct {
	Code             string    `json:"code"`
	ParticipantCount int       `json:"participantCount"`
	MessageCount     int       `json:"messageCount"`
	CreatedAt        time.Time `json:"createdAt"`
}

// LeaveResult describes the outcome of Registry.Leave.
type LeaveResult struct {
	// Removed is false when the room or the participant did not exist.
	Removed bool
	// Deleted is true when the leave emptied the room and it was removed.
	Deleted   bool
	Remaining []Participant
}

type Config struct {
	// MaxMessages bounds the per-room message log. Once full, the oldest
	// entries are discarded. Zero selects DefaultMaxMessages.
	MaxMessages int

	// NewCode generates candidate room codes. Defaults to GenerateCode.
	NewCode func() (string, error)

	Now func() time.Time
}

func (c Config) WithDefaults() Config {
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.NewCode == nil {
		c.NewCode = GenerateCode
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type room struct {
	code         string
	participants []Participant
	messages     []Message
	messageCount int
	createdAt    time.Time
}

func (r *room) indexOf(sessionID string) int {
	for i, p := range r.participants {
		if p.SessionID == sessionID {
			return i
		}
	}
	return -1
}

func (r *room) snapshot() Snapshot {
	return Snapshot{
		Code:         r.code,
		Participants: r.members(),
		MessageCount: r.messageCount,
		CreatedAt:    r.createdAt,
	}
}

func (r *room) members() []Participant {
	out := make([]Participant, len(r.participants))
	copy(out, r.participants)
	return out
}

// Registry is the table of active rooms. Every exported method is atomic with
// respect to the others.
type Registry struct {
	cfg Config

	mu    sync.Mutex
	rooms map[string]*room
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:   cfg.WithDefaults(),
		rooms: make(map[string]*room),
	}
}

// Create allocates a new room with sessionID as its only participant and
// returns the room code.
func (r *Registry) Create(sessionID, connID string) (string, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		code, err := r.cfg.NewCode()
		if err != nil {
			return "", err
		}

		r.mu.Lock()
		if _, ok := r.rooms[code]; ok {
			r.mu.Unlock()
			continue
		}
		now := r.cfg.Now()
		r.rooms[code] = &room{
			code:         code,
			participants: []Participant{{SessionID: sessionID, ConnID: connID, JoinedAt: now}},
			createdAt:    now,
		}
		r.mu.Unlock()
		return code, nil
	}
	return "", ErrCodeSpaceExhausted
}

// Join adds sessionID to the room and returns the members in join order.
func (r *Registry) Join(code, sessionID, connID string) ([]Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if len(rm.participants) >= Capacity {
		return nil, ErrRoomFull
	}
	if rm.indexOf(sessionID) >= 0 {
		return nil, ErrSessionInUse
	}
	rm.participants = append(rm.participants, Participant{
		SessionID: sessionID,
		ConnID:    connID,
		JoinedAt:  r.cfg.Now(),
	})
	return rm.members(), nil
}

// Leave removes sessionID from the room, deleting the room if it becomes
// empty.
func (r *Registry) Leave(code, sessionID string) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[code]
	if !ok {
		return LeaveResult{}
	}
	i := rm.indexOf(sessionID)
	if i < 0 {
		return LeaveResult{Remaining: rm.members()}
	}
	rm.participants = append(rm.participants[:i], rm.participants[i+1:]...)
	if len(rm.participants) == 0 {
		delete(r.rooms, code)
		return LeaveResult{Removed: true, Deleted: true}
	}
	return LeaveResult{Removed: true, Remaining: rm.members()}
}

func (r *Registry) Get(code string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[code]
	if !ok {
		return Snapshot{}, false
	}
	return rm.snapshot(), true
}

// Members returns the room's participants, or false if the room is gone.
func (r *Registry) Members(code string) ([]Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[code]
	if !ok {
		return nil, false
	}
	return rm.members(), true
}

// AppendMessage records msg in the room's log and returns the members the
// message should be delivered to.
func (r *Registry) AppendMessage(code string, msg Message) ([]Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[code]
	if !ok {
		return nil, false
	}
	if len(rm.messages) >= r.cfg.MaxMessages {
		n := copy(rm.messages, rm.messages[1:])
		rm.messages = rm.messages[:n]
	}
	rm.messages = append(rm.messages, msg)
	rm.messageCount++
	return rm.members(), true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Details returns a per-room summary sorted by creation time.
func (r *Registry) Details() []Detail {
	r.mu.Lock()
	out := make([]Detail, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, Detail{
			Code:             rm.code,
			ParticipantCount: len(rm.participants),
			MessageCount:     rm.messageCount,
			CreatedAt:        rm.createdAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

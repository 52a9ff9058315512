package domain

type PeerID string
type RoomID string

// Position is a participant's 2D coordinate in the virtual room.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// RoomParticipant is the identity and live state of one room member.
// A record is created on the first signaling announcement or the first
// inbound message from that peer, whichever comes first.
type RoomParticipant struct {
	ID          PeerID    `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	IsAI        bool      `json:"is_ai"`
	Speaking    bool      `json:"speaking"`
	Emotion     string    `json:"emotion,omitempty"`
	Position    *Position `json:"position,omitempty"`
}

// ParticipantUpdate is a partial update to a participant record. Nil
// fields are left untouched by Apply.
type ParticipantUpdate struct {
	DisplayName *string   `json:"display_name,omitempty"`
	Role        *string   `json:"role,omitempty"`
	Speaking    *bool     `json:"speaking,omitempty"`
	Emotion     *string   `json:"emotion,omitempty"`
	Position    *Position `json:"position,omitempty"`
}

// Apply merges the update into the participant.
func (p *RoomParticipant) Apply(u ParticipantUpdate) {
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.Role != nil {
		p.Role = *u.Role
	}
	if u.Speaking != nil {
		p.Speaking = *u.Speaking
	}
	if u.Emotion != nil {
		p.Emotion = *u.Emotion
	}
	if u.Position != nil {
		pos := *u.Position
		p.Position = &pos
	}
}

// LiveStateOnly reports whether the update carries only transient live
// state (speaking, emotion, position) and no identity changes.
func (u ParticipantUpdate) LiveStateOnly() bool {
	return u.DisplayName == nil && u.Role == nil
}

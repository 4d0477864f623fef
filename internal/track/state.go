package track

import (
	"errors"
	"time"
)

// State is a track's position in the delivery lifecycle.
type State string

const (
	Created     State = "CREATED"
	CommandSent State = "COMMAND_SENT"
	AckReceived State = "ACK_RECEIVED"
	Streaming   State = "STREAMING"
	Completed   State = "COMPLETED"
	Failed      State = "FAILED"
	TimedOut    State = "TIMED_OUT"
)

var (
	ErrNotFound          = errors.New("track not found")
	ErrInvalidTransition = errors.New("invalid track transition")
	ErrNoSession         = errors.New("no data-plane session")
	ErrDuplicateID       = errors.New("track id already exists")
)

var transitions = map[State][]State{
	Created:     {CommandSent, Failed, TimedOut},
	CommandSent: {AckReceived, Failed, TimedOut},
	AckReceived: {Streaming, Failed, TimedOut},
	Streaming:   {Completed, Failed, TimedOut},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == TimedOut
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one entry of a track's history. Synthesized marks an edge
// inferred from a later event instead of observed directly.
type Transition struct {
	From        State     `json:"from,omitempty"`
	To          State     `json:"to"`
	At          time.Time `json:"at"`
	Reason      string    `json:"reason,omitempty"`
	Synthesized bool      `json:"synthesized,omitempty"`
}

// Track is a snapshot of one greeting delivery.
type Track struct {
	ID        string       `json:"track_id"`
	DeviceID  string       `json:"device_id"`
	Text      string       `json:"text"`
	State     State        `json:"state"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	History   []Transition `json:"history"`
}

func (t Track) clone() Track {
	t.History = append([]Transition(nil), t.History...)
	return t
}

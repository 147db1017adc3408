package domain

import (
	"encoding/json"
	"time"
)

// EventKind tags an episode event.
type EventKind string

const (
	// EventStateUpdate carries the full serialized episode state.
	EventStateUpdate EventKind = "state_update"
	// EventParticipantUpdate reports a participant joining or leaving.
	EventParticipantUpdate EventKind = "participant_update"
	// EventEpisodeConcluded is terminal: the episode reached an outcome.
	EventEpisodeConcluded EventKind = "episode_concluded"
	// EventError reports a failure tied to one episode.
	EventError EventKind = "error"
)

// Event is what the fan-out hub distributes. Subscribers filter on EpisodeID.
type Event struct {
	Kind             EventKind `json:"kind"`
	EpisodeID        string    `json:"episode_id"`
	State            []byte    `json:"state,omitempty"`
	ParticipantCount int       `json:"participant_count,omitempty"`
	Change           string    `json:"change,omitempty"` // "joined" or "left"
	Winner           string    `json:"winner,omitempty"`
	Message          string    `json:"message,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// StateValue prepares a serialized state for embedding in a JSON response:
// JSON states verbatim, anything else as base64, empty as null.
func StateValue(state []byte) interface{} {
	switch {
	case len(state) == 0:
		return nil
	case json.Valid(state):
		return json.RawMessage(state)
	default:
		return state
	}
}

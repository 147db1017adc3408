// Package domain contains core domain types for the episode runtime.
package domain

import (
	"time"
)

// DefaultEpisodeTTL matches the network pruning window (3 days).
const DefaultEpisodeTTL = 72 * time.Hour

// EpisodeMetadata describes a tracked episode. Values handed out by the
// registry are copies; mutating them has no effect on the registry.
type EpisodeMetadata struct {
	ID               string    `json:"id"`
	EpisodeType      string    `json:"episode_type"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	ParticipantCount int       `json:"participant_count"`
	CreatorSession   string    `json:"creator_session"`
	IsEphemeral      bool      `json:"is_ephemeral"`
}

// NewEpisodeMetadata builds metadata for an episode created at now with the given lifetime.
func NewEpisodeMetadata(id, episodeType, creatorSession string, now time.Time, ttl time.Duration) EpisodeMetadata {
	if ttl <= 0 {
		ttl = DefaultEpisodeTTL
	}
	return EpisodeMetadata{
		ID:             id,
		EpisodeType:    episodeType,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		CreatorSession: creatorSession,
		IsEphemeral:    true,
	}
}

// IsExpiredAt reports whether the episode is past its lifetime at now.
// The expiry instant itself counts as expired.
func (m EpisodeMetadata) IsExpiredAt(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// RemainingAt returns the time left before expiry, or 0 once expired.
func (m EpisodeMetadata) RemainingAt(now time.Time) time.Duration {
	d := m.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

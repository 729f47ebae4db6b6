package room

import (
	"classroom-backend/internal/apperr"
)

// activeParticipant resolves an active participant. Caller must hold r.mu.
func (r *Room) activeParticipantLocked(userID int64) (*Participant, error) {
	p, ok := r.participants[userID]
	if !ok || !p.IsActive {
		return nil, apperr.Newf(apperr.CodeNotFound, "user %d is not in the room", userID)
	}
	return p, nil
}

// UpdateMediaState merges a partial media update into the participant and
// broadcasts media-state-updated to the rest of the room. Re-sending the
// same state is a no-op with no observable effect.
func (g *Registry) UpdateMediaState(roomID string, userID int64, upd MediaStateUpdate) (MediaState, error) {
	r, err := g.room(roomID)
	if err != nil {
		return MediaState{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.activeParticipantLocked(userID)
	if err != nil {
		return MediaState{}, err
	}

	next := p.Media
	if upd.Audio != nil {
		next.Audio = *upd.Audio
	}
	if upd.Video != nil {
		next.Video = *upd.Video
	}
	if upd.Screen != nil {
		next.Screen = *upd.Screen
	}
	if next == p.Media {
		return p.Media, nil
	}

	p.Media = next
	r.fanoutLocked(EventMediaStateUpdated, MediaEventPayload{UserID: userID, Media: next}, userID)
	return next, nil
}

// RaiseHand sets the hand-raised flag. Set semantics: raising an already
// raised hand does nothing.
func (g *Registry) RaiseHand(roomID string, userID int64) error {
	return g.setHand(roomID, userID, true)
}

// LowerHand clears the hand-raised flag.
func (g *Registry) LowerHand(roomID string, userID int64) error {
	return g.setHand(roomID, userID, false)
}

func (g *Registry) setHand(roomID string, userID int64, raised bool) error {
	r, err := g.room(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.activeParticipantLocked(userID)
	if err != nil {
		return err
	}
	if p.HandRaised == raised {
		return nil
	}
	p.HandRaised = raised

	event := EventHandRaised
	if !raised {
		event = EventHandLowered
	}
	r.fanoutLocked(event, UserEventPayload{UserID: userID, Nickname: p.Nickname}, userID)
	return nil
}

// ReportConnectionQuality records an advisory quality report. It never
// affects membership or capacity and is surfaced only through the roster.
func (g *Registry) ReportConnectionQuality(roomID string, userID int64, quality string) error {
	switch quality {
	case QualityGood, QualityFair, QualityPoor:
	default:
		return apperr.Newf(apperr.CodeValidation, "unknown connection quality %q", quality)
	}

	r, err := g.room(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.activeParticipantLocked(userID)
	if err != nil {
		return err
	}
	p.Quality = quality
	return nil
}

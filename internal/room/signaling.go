package room

import (
	"encoding/json"
	"time"

	"classroom-backend/internal/apperr"
)

// Relay routes a WebRTC signaling payload from one participant to another
// in the same room. Delivery is immediate and unacknowledged: if the target
// has no attached connection the message is dropped and the sender gets
// TARGET_NOT_CONNECTED — recovery belongs to ICE restart, not to a relay
// retry.
//
// Ordering holds per (from, to) pair because each sender's messages are
// relayed from its single connection goroutine and written under the
// target's connection write lock. There is no cross-pair guarantee.
func (g *Registry) Relay(roomID string, fromUserID, toUserID int64, signalType SignalType, payload json.RawMessage) error {
	switch signalType {
	case SignalOffer, SignalAnswer, SignalICECandidate:
	default:
		return apperr.Newf(apperr.CodeValidation, "unknown signal type %q", signalType)
	}
	if fromUserID == toUserID {
		return apperr.New(apperr.CodeValidation, "cannot signal yourself")
	}

	r, err := g.room(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	from, ok := r.participants[fromUserID]
	if !ok || !from.IsActive {
		r.mu.Unlock()
		return apperr.New(apperr.CodeNotFound, "sender is not in the room")
	}
	to, ok := r.participants[toUserID]
	if !ok || !to.IsActive || to.sender == nil {
		r.mu.Unlock()
		return apperr.Newf(apperr.CodeTargetNotConnected, "user %d is not connected", toUserID)
	}
	target := to.sender
	r.mu.Unlock()

	// I/O outside the room lock
	msg := newEvent(EventSignal, SignalMessage{
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Type:       signalType,
		Payload:    payload,
		Timestamp:  time.Now(),
	})
	if err := target.Send(msg); err != nil {
		return apperr.Newf(apperr.CodeTargetNotConnected, "delivery to user %d failed", toUserID)
	}
	return nil
}

package room

import (
	"log"

	"classroom-backend/internal/apperr"
)

// Broadcast delivers an event to every other active participant of the
// room. The sender never receives their own event; the caller decides
// whether to render it locally.
//
// Ordering: the per-room dispatch channel is the single serialization
// point. Events enqueued from one sender's connection goroutine arrive at
// every recipient in send order. Delivery I/O happens on the dispatcher
// goroutine, outside the room lock.
func (g *Registry) Broadcast(roomID, event string, payload any, senderID int64) error {
	r, err := g.room(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusEnded {
		return apperr.New(apperr.CodeNotFound, "session has ended")
	}
	r.fanoutLocked(event, payload, senderID)
	return nil
}

// fanoutLocked enqueues an event for every active attached participant
// except exclude. Caller must hold r.mu. The enqueue never blocks; a full
// buffer drops the event with a log line rather than stalling the room.
func (r *Room) fanoutLocked(event string, payload any, exclude int64) {
	targets := make([]Sender, 0, r.current)
	for _, p := range r.participants {
		if !p.IsActive || p.sender == nil || p.UserID == exclude {
			continue
		}
		targets = append(targets, p.sender)
	}
	if len(targets) == 0 {
		return
	}

	select {
	case r.dispatch <- delivery{msg: newEvent(event, payload), targets: targets}:
	default:
		log.Printf("[Room %s] dispatch buffer full, dropping %s", r.id, event)
	}
}

// runDispatcher drains the room's dispatch queue in order. After the room
// ends it flushes what is queued (session-ended included), closes the
// remaining connections and exits.
func (r *Room) runDispatcher() {
	for {
		select {
		case d := <-r.dispatch:
			r.deliver(d)
		case <-r.done:
			for {
				select {
				case d := <-r.dispatch:
					r.deliver(d)
				default:
					r.mu.Lock()
					closing := r.closing
					r.closing = nil
					r.mu.Unlock()
					for _, s := range closing {
						s.Close()
					}
					return
				}
			}
		}
	}
}

func (r *Room) deliver(d delivery) {
	for _, s := range d.targets {
		if err := s.Send(d.msg); err != nil {
			log.Printf("[Room %s] send failed: %v", r.id, err)
		}
	}
}

package callsdk

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
)

// AllowedReactions is the fixed emoji allow-list; anything else is
// rejected before any channel write.
var AllowedReactions = []string{"❤️", "😂", "😮", "👍", "👏", "🎉"}

const reactionMessageType = "reaction"

// reactionMessage is the wire form carried on the reactions data
// channel. The channel's own framing delimits records; delivery is
// ordered and best-effort.
type reactionMessage struct {
	Type      string `json:"type"`
	Emoji     string `json:"emoji"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// Reactions runs the reaction protocol for one call: outbound throttle
// and fan-out, inbound validation, and the bounded recent buffer. One
// sender per connected peer is attached by the owning call or session.
type Reactions struct {
	clock clock.Clock
	emit  func(ReactionEvent)

	lock     sync.Mutex
	lastSend time.Time
	buffer   *deque.Deque[ReactionEvent]
	senders  map[string]func([]byte) error
}

func newReactions(clk clock.Clock, emit func(ReactionEvent)) *Reactions {
	if emit == nil {
		emit = func(ReactionEvent) {}
	}
	return &Reactions{
		clock:   clk,
		emit:    emit,
		buffer:  new(deque.Deque[ReactionEvent]),
		senders: make(map[string]func([]byte) error),
	}
}

// Attach registers the send function for a connected peer's channel.
func (r *Reactions) Attach(participantID string, send func([]byte) error) {
	r.lock.Lock()
	r.senders[participantID] = send
	r.lock.Unlock()
}

func (r *Reactions) Detach(participantID string) {
	r.lock.Lock()
	delete(r.senders, participantID)
	r.lock.Unlock()
}

// Send validates, throttles, and fans the reaction out to every attached
// channel. One peer's closed channel never blocks delivery to the rest.
func (r *Reactions) Send(fromID, emoji string) error {
	if !reactionAllowed(emoji) {
		return ErrInvalidReaction
	}

	now := r.clock.Now()

	r.lock.Lock()
	if !r.lastSend.IsZero() {
		elapsed := now.Sub(r.lastSend)
		if elapsed < ReactionThrottle {
			remaining := ReactionThrottle - elapsed
			r.lock.Unlock()
			return &ThrottledError{Wait: int(math.Ceil(remaining.Seconds()))}
		}
	}
	r.lastSend = now

	senders := make(map[string]func([]byte) error, len(r.senders))
	for id, send := range r.senders {
		senders[id] = send
	}
	r.lock.Unlock()

	payload, err := json.Marshal(reactionMessage{
		Type:      reactionMessageType,
		Emoji:     emoji,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return err
	}

	for id, send := range senders {
		if err := send(payload); err != nil {
			logger.Info("reaction not delivered to peer", "participantID", id, "reason", err.Error())
		}
	}

	ev := ReactionEvent{ParticipantID: fromID, Emoji: emoji, Timestamp: now}
	r.record(ev)
	r.emit(ev)
	return nil
}

// HandleIncoming parses one data-channel message. Malformed input is
// logged and dropped; it never affects other peers.
func (r *Reactions) HandleIncoming(fromID string, payload []byte) {
	var msg reactionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.Info("dropping malformed reaction message", "participantID", fromID)
		return
	}
	if msg.Type != reactionMessageType || !reactionAllowed(msg.Emoji) {
		logger.Info("dropping disallowed reaction message", "participantID", fromID, "type", msg.Type)
		return
	}

	// buffer aging runs on the local clock; the sender's wire timestamp
	// is not trusted for it, a skewed peer would otherwise evict its own
	// reactions on arrival
	ev := ReactionEvent{
		ParticipantID: fromID,
		Emoji:         msg.Emoji,
		Timestamp:     r.clock.Now(),
	}
	r.record(ev)
	r.emit(ev)
}

// Recent returns the buffered reactions, oldest first.
func (r *Reactions) Recent() []ReactionEvent {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.prune()
	out := make([]ReactionEvent, 0, r.buffer.Len())
	for i := 0; i < r.buffer.Len(); i++ {
		out = append(out, r.buffer.At(i))
	}
	return out
}

func (r *Reactions) record(ev ReactionEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.prune()
	for r.buffer.Len() >= ReactionBufferSize {
		r.buffer.PopFront()
	}
	r.buffer.PushBack(ev)
}

// prune drops entries older than ReactionMaxAge. Callers hold r.lock.
func (r *Reactions) prune() {
	cutoff := r.clock.Now().Add(-ReactionMaxAge)
	for r.buffer.Len() > 0 && r.buffer.Front().Timestamp.Before(cutoff) {
		r.buffer.PopFront()
	}
}

func reactionAllowed(emoji string) bool {
	for _, allowed := range AllowedReactions {
		if emoji == allowed {
			return true
		}
	}
	return false
}

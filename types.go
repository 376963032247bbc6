package callsdk

import "time"

const (
	// RingTimeout is how long a callee may leave an incoming call
	// unanswered before it is marked missed.
	RingTimeout = 30 * time.Second

	// EndGracePeriod delays local resource teardown after a call ends so
	// the UI can finish its exit transition.
	EndGracePeriod = 2 * time.Second

	// ReactionThrottle is the minimum spacing between outbound reactions
	// on one call.
	ReactionThrottle = 2 * time.Second

	// ReactionBufferSize bounds the recent-reaction buffer per call.
	ReactionBufferSize = 50

	// ReactionMaxAge is how long a reaction stays in the recent buffer.
	ReactionMaxAge = 10 * time.Second

	// SpeakerInterval is the dominant-speaker sampling period.
	SpeakerInterval = 500 * time.Millisecond

	// SpeakerNoiseFloor is the minimum audio level that counts as speech.
	SpeakerNoiseFloor float32 = 0.1
)

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

type CallStatus string

const (
	CallRinging  CallStatus = "ringing"
	CallAccepted CallStatus = "accepted"
	CallRejected CallStatus = "rejected"
	CallActive   CallStatus = "active"
	CallEnded    CallStatus = "ended"
	CallMissed   CallStatus = "missed"
	CallFailed   CallStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallRejected, CallEnded, CallMissed, CallFailed:
		return true
	}
	return false
}

type ParticipantStatus string

const (
	ParticipantPending      ParticipantStatus = "pending"
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// ParticipantEntry tracks one remote participant of a group call. It is
// owned by the mesh session and mutated only from join/leave events and
// connection-state callbacks.
type ParticipantEntry struct {
	Joined   bool              `json:"joined"`
	JoinedAt time.Time         `json:"joinedAt"`
	Status   ParticipantStatus `json:"status"`
}

// CallRecord is the shared, watchable state object for one call attempt.
// Offer, Answer and the candidate lists hold opaque payloads serialized
// by the transport facade; the record never inspects them.
type CallRecord struct {
	CallID           string                      `json:"callId"`
	Caller           string                      `json:"caller"`
	Callee           string                      `json:"callee"`
	Type             CallType                    `json:"type"`
	Status           CallStatus                  `json:"status"`
	Offer            string                      `json:"offer,omitempty"`
	Answer           string                      `json:"answer,omitempty"`
	CallerCandidates []string                    `json:"callerCandidates,omitempty"`
	CalleeCandidates []string                    `json:"calleeCandidates,omitempty"`
	CreatedAt        time.Time                   `json:"createdAt"`
	EndedAt          time.Time                   `json:"endedAt,omitempty"`
	Participants     map[string]ParticipantEntry `json:"participants,omitempty"`
}

// ReactionEvent is one received or locally sent in-call reaction. Events
// live only in the bounded recent buffer and are never persisted.
type ReactionEvent struct {
	ParticipantID string    `json:"participantId"`
	Emoji         string    `json:"emoji"`
	Timestamp     time.Time `json:"timestamp"`
}

package callsdk

import (
	"github.com/pion/webrtc/v4"
)

// CallCallback receives 1:1 call events for the presentation layer. All
// fields default to no-ops; override what you need.
type CallCallback struct {
	OnIncoming      func(rec *CallRecord)
	OnStatusChanged func(callID string, status CallStatus)
	OnConnected     func(callID string)
	OnEnded         func(callID string, status CallStatus)
	OnRemoteTrack   func(callID string, track *webrtc.TrackRemote)
	OnReaction      func(callID string, ev ReactionEvent)
}

func NewCallCallback() *CallCallback {
	return &CallCallback{
		OnIncoming:      func(rec *CallRecord) {},
		OnStatusChanged: func(callID string, status CallStatus) {},
		OnConnected:     func(callID string) {},
		OnEnded:         func(callID string, status CallStatus) {},
		OnRemoteTrack:   func(callID string, track *webrtc.TrackRemote) {},
		OnReaction:      func(callID string, ev ReactionEvent) {},
	}
}

func (cb *CallCallback) Merge(other *CallCallback) {
	if other == nil {
		return
	}
	if other.OnIncoming != nil {
		cb.OnIncoming = other.OnIncoming
	}
	if other.OnStatusChanged != nil {
		cb.OnStatusChanged = other.OnStatusChanged
	}
	if other.OnConnected != nil {
		cb.OnConnected = other.OnConnected
	}
	if other.OnEnded != nil {
		cb.OnEnded = other.OnEnded
	}
	if other.OnRemoteTrack != nil {
		cb.OnRemoteTrack = other.OnRemoteTrack
	}
	if other.OnReaction != nil {
		cb.OnReaction = other.OnReaction
	}
}

// MeshCallback receives group-call events. The mesh manager does not own
// a signaling transport for group fan-out: OnOffer, OnAnswer and
// OnCandidate hand negotiation payloads back to the application, which
// routes them out-of-band per participant.
type MeshCallback struct {
	OnOffer                   func(participantID string, offer webrtc.SessionDescription)
	OnAnswer                  func(participantID string, answer webrtc.SessionDescription)
	OnCandidate               func(participantID string, candidate webrtc.ICECandidateInit)
	OnConnectionStateChange   func(participantID string, state webrtc.PeerConnectionState)
	OnParticipantConnected    func(participantID string)
	OnParticipantDisconnected func(participantID string)
	OnRemoteTrack             func(participantID string, track *webrtc.TrackRemote)
	OnReaction                func(ev ReactionEvent)
	OnDominantSpeakerChanged  func(participantID string)
}

func NewMeshCallback() *MeshCallback {
	return &MeshCallback{
		OnOffer:                   func(participantID string, offer webrtc.SessionDescription) {},
		OnAnswer:                  func(participantID string, answer webrtc.SessionDescription) {},
		OnCandidate:               func(participantID string, candidate webrtc.ICECandidateInit) {},
		OnConnectionStateChange:   func(participantID string, state webrtc.PeerConnectionState) {},
		OnParticipantConnected:    func(participantID string) {},
		OnParticipantDisconnected: func(participantID string) {},
		OnRemoteTrack:             func(participantID string, track *webrtc.TrackRemote) {},
		OnReaction:                func(ev ReactionEvent) {},
		OnDominantSpeakerChanged:  func(participantID string) {},
	}
}

func (cb *MeshCallback) Merge(other *MeshCallback) {
	if other == nil {
		return
	}
	if other.OnOffer != nil {
		cb.OnOffer = other.OnOffer
	}
	if other.OnAnswer != nil {
		cb.OnAnswer = other.OnAnswer
	}
	if other.OnCandidate != nil {
		cb.OnCandidate = other.OnCandidate
	}
	if other.OnConnectionStateChange != nil {
		cb.OnConnectionStateChange = other.OnConnectionStateChange
	}
	if other.OnParticipantConnected != nil {
		cb.OnParticipantConnected = other.OnParticipantConnected
	}
	if other.OnParticipantDisconnected != nil {
		cb.OnParticipantDisconnected = other.OnParticipantDisconnected
	}
	if other.OnRemoteTrack != nil {
		cb.OnRemoteTrack = other.OnRemoteTrack
	}
	if other.OnReaction != nil {
		cb.OnReaction = other.OnReaction
	}
	if other.OnDominantSpeakerChanged != nil {
		cb.OnDominantSpeakerChanged = other.OnDominantSpeakerChanged
	}
}

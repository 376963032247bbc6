package callsdk

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// ParticipantConnection pairs one remote participant of a group call
// with its peer-connection handle. The handle is owned exclusively by
// the session that created it; nothing else closes or mutates it.
type ParticipantConnection struct {
	id  string
	key ConnKey

	lock  sync.Mutex
	entry ParticipantEntry
	state webrtc.PeerConnectionState
}

func newParticipantConnection(callID, participantID string) *ParticipantConnection {
	return &ParticipantConnection{
		id:    participantID,
		key:   ConnKey{Call: callID, Participant: participantID},
		entry: ParticipantEntry{Status: ParticipantPending},
		state: webrtc.PeerConnectionStateNew,
	}
}

func (p *ParticipantConnection) ID() string   { return p.id }
func (p *ParticipantConnection) Key() ConnKey { return p.key }

func (p *ParticipantConnection) Entry() ParticipantEntry {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.entry
}

func (p *ParticipantConnection) State() webrtc.PeerConnectionState {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state
}

func (p *ParticipantConnection) setConnected(at time.Time) {
	p.lock.Lock()
	p.state = webrtc.PeerConnectionStateConnected
	p.entry.Joined = true
	if p.entry.JoinedAt.IsZero() {
		p.entry.JoinedAt = at
	}
	p.entry.Status = ParticipantConnected
	p.lock.Unlock()
}

func (p *ParticipantConnection) setState(state webrtc.PeerConnectionState) {
	p.lock.Lock()
	p.state = state
	p.lock.Unlock()
}

func (p *ParticipantConnection) setDisconnected() {
	p.lock.Lock()
	p.entry.Status = ParticipantDisconnected
	p.lock.Unlock()
}

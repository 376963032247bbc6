package callsdk

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"
)

type MeshOption func(*MeshManager)

func WithMeshClock(clk clock.Clock) MeshOption {
	return func(m *MeshManager) { m.clock = clk }
}

// MeshManager maintains full-mesh group calls: one peer connection per
// remote participant, N-1 connections per member and O(N²) in total.
// That scaling is a deliberate design limit of the mesh topology, not
// something the manager tries to reduce.
//
// One MeshManager serves the whole process and keys its sessions by call
// id; each CallSession owns the typed participant registry for one call.
type MeshManager struct {
	neg   Negotiator
	clock clock.Clock

	lock     sync.Mutex
	sessions map[string]*CallSession
}

func NewMeshManager(neg Negotiator, opts ...MeshOption) *MeshManager {
	m := &MeshManager{
		neg:      neg,
		clock:    clock.New(),
		sessions: make(map[string]*CallSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateMeshConnections opens an offerer connection to every listed
// participant except self and hands each offer to cb.OnOffer for
// out-of-band routing. Participant attempts are independent: one failing
// dial is logged and never aborts the rest.
func (m *MeshManager) CreateMeshConnections(callID, localID string, participantIDs []string, stream *LocalStream, cb *MeshCallback) *CallSession {
	s := m.ensureSession(callID, localID, stream, cb)
	for _, pid := range participantIDs {
		if pid == localID {
			continue
		}
		if err := s.dial(pid); err != nil {
			logger.Error(err, "could not open mesh connection", "callID", callID, "participantID", pid)
		}
	}
	return s
}

// HandleOffer is the inbound join path: it answers a remote
// participant's offer and returns the answer for the caller to route
// back.
func (m *MeshManager) HandleOffer(callID, localID, fromID string, offer webrtc.SessionDescription, stream *LocalStream, cb *MeshCallback) (webrtc.SessionDescription, error) {
	s := m.ensureSession(callID, localID, stream, cb)
	return s.answer(fromID, offer)
}

// HandleAnswer applies a routed-back answer from a dialed participant.
func (m *MeshManager) HandleAnswer(callID, participantID string, answer webrtc.SessionDescription) error {
	s := m.Session(callID)
	if s == nil {
		return ErrCallNotFound
	}
	return m.neg.SetRemoteAnswer(ConnKey{Call: callID, Participant: participantID}, answer)
}

// HandleCandidate applies a routed candidate from a participant.
func (m *MeshManager) HandleCandidate(callID, participantID string, candidate webrtc.ICECandidateInit) error {
	s := m.Session(callID)
	if s == nil {
		return ErrCallNotFound
	}
	return m.neg.AddICECandidate(ConnKey{Call: callID, Participant: participantID}, candidate)
}

// AddParticipant dials one new participant without touching existing
// connections.
func (m *MeshManager) AddParticipant(callID, participantID string) error {
	s := m.Session(callID)
	if s == nil {
		return ErrCallNotFound
	}
	return s.dial(participantID)
}

// RemoveParticipant closes only that participant's connection. An
// emptied mesh releases the whole call's resources.
func (m *MeshManager) RemoveParticipant(callID, participantID string) {
	if s := m.Session(callID); s != nil {
		s.remove(participantID)
	}
}

func (m *MeshManager) Session(callID string) *CallSession {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.sessions[callID]
}

func (m *MeshManager) ensureSession(callID, localID string, stream *LocalStream, cb *MeshCallback) *CallSession {
	m.lock.Lock()
	defer m.lock.Unlock()

	if s, ok := m.sessions[callID]; ok {
		return s
	}

	s := &CallSession{
		callID:       callID,
		localID:      localID,
		mesh:         m,
		callback:     NewMeshCallback(),
		localStream:  stream,
		participants: make(map[string]*ParticipantConnection),
	}
	s.callback.Merge(cb)
	s.reactions = newReactions(m.clock, func(ev ReactionEvent) {
		s.callback.OnReaction(ev)
	})
	s.speaker = NewSpeakerEstimator(m.clock, func(pid string) {
		s.callback.OnDominantSpeakerChanged(pid)
	})

	m.sessions[callID] = s
	return s
}

func (m *MeshManager) removeSession(callID string) {
	m.lock.Lock()
	delete(m.sessions, callID)
	m.lock.Unlock()
}

// CallSession is the typed registry of one group call: participant id to
// connection, plus the call-scoped reaction state and dominant-speaker
// estimator.
type CallSession struct {
	callID   string
	localID  string
	mesh     *MeshManager
	callback *MeshCallback

	lock         sync.Mutex
	participants map[string]*ParticipantConnection
	localStream  *LocalStream

	reactions *Reactions
	speaker   *SpeakerEstimator
	connected atomic.Int32
	released  core.Fuse
}

func (s *CallSession) CallID() string { return s.callID }

// Participants returns a snapshot of the roster.
func (s *CallSession) Participants() map[string]ParticipantEntry {
	s.lock.Lock()
	defer s.lock.Unlock()

	out := make(map[string]ParticipantEntry, len(s.participants))
	for id, pc := range s.participants {
		out[id] = pc.Entry()
	}
	return out
}

// SendReaction fans an emoji out to every connected participant's
// channel, subject to the allow-list and throttle. A peer whose channel
// is not open is skipped, not fatal.
func (s *CallSession) SendReaction(emoji string) error {
	return s.reactions.Send(s.localID, emoji)
}

func (s *CallSession) RecentReactions() []ReactionEvent {
	return s.reactions.Recent()
}

// SetAudioLevelSource registers the level source sampled for the
// dominant-speaker estimate of one participant, typically wired up when
// that participant's remote audio track arrives.
func (s *CallSession) SetAudioLevelSource(participantID string, src AudioLevelSource) {
	s.speaker.SetSource(participantID, src)
}

func (s *CallSession) DominantSpeaker() string {
	return s.speaker.DominantSpeaker()
}

// Release tears the whole session down: every connection closed, the
// estimator stopped, the session dropped from the manager. Idempotent.
func (s *CallSession) Release() {
	s.released.Once(func() {
		s.lock.Lock()
		participants := s.participants
		s.participants = make(map[string]*ParticipantConnection)
		s.localStream = nil
		s.lock.Unlock()

		s.speaker.Stop()
		for _, pc := range participants {
			s.reactions.Detach(pc.id)
			if err := s.mesh.neg.CloseConnection(pc.key); err != nil {
				logger.Error(err, "error closing mesh connection during release", "callID", s.callID, "participantID", pc.id)
			}
		}
		s.mesh.removeSession(s.callID)
	})
}

func (s *CallSession) dial(participantID string) error {
	pc, err := s.open(participantID, true)
	if err != nil {
		return err
	}

	offer, err := s.mesh.neg.CreateOffer(pc.key)
	if err != nil {
		s.drop(participantID)
		return err
	}

	s.callback.OnOffer(participantID, offer)
	return nil
}

func (s *CallSession) answer(participantID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	pc, err := s.open(participantID, false)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := s.mesh.neg.CreateAnswer(pc.key, offer)
	if err != nil {
		s.drop(participantID)
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// open creates and registers one participant connection.
func (s *CallSession) open(participantID string, offerer bool) (*ParticipantConnection, error) {
	s.lock.Lock()
	if _, ok := s.participants[participantID]; ok {
		s.lock.Unlock()
		return nil, ErrConnectionExists
	}
	pc := newParticipantConnection(s.callID, participantID)
	s.participants[participantID] = pc
	stream := s.localStream
	s.lock.Unlock()

	h := ConnHandlers{
		OnCandidate: func(candidate webrtc.ICECandidateInit) {
			s.callback.OnCandidate(participantID, candidate)
		},
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			s.callback.OnRemoteTrack(participantID, track)
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			s.handleState(participantID, state)
		},
		OnData: func(payload []byte) {
			s.reactions.HandleIncoming(participantID, payload)
		},
	}

	if err := s.mesh.neg.CreateConnection(pc.key, offerer, h); err != nil {
		s.drop(participantID)
		return nil, err
	}
	if stream != nil {
		if err := s.mesh.neg.AddLocalStream(pc.key, stream); err != nil {
			s.drop(participantID)
			return nil, err
		}
	}
	return pc, nil
}

// handleState is the sole input to roster changes.
func (s *CallSession) handleState(participantID string, state webrtc.PeerConnectionState) {
	s.lock.Lock()
	pc, ok := s.participants[participantID]
	s.lock.Unlock()
	if !ok {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		// state callbacks are at-least-once; a repeat connected must not
		// double-count or re-attach
		if pc.Entry().Status == ParticipantConnected {
			return
		}
		pc.setConnected(s.mesh.clock.Now())
		s.connected.Inc()
		s.reactions.Attach(participantID, func(payload []byte) error {
			return s.mesh.neg.SendData(pc.key, payload)
		})
		// sampling runs only while someone is connected
		s.speaker.Start()
		s.callback.OnConnectionStateChange(participantID, state)
		s.callback.OnParticipantConnected(participantID)

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		// isolate the failure: drop this participant, keep the mesh
		pc.setState(state)
		s.callback.OnConnectionStateChange(participantID, state)
		s.remove(participantID)

	default:
		pc.setState(state)
		s.callback.OnConnectionStateChange(participantID, state)
	}
}

// remove closes one participant's connection and releases the session if
// the roster is now empty.
func (s *CallSession) remove(participantID string) {
	s.lock.Lock()
	pc, ok := s.participants[participantID]
	if ok {
		delete(s.participants, participantID)
	}
	empty := len(s.participants) == 0
	s.lock.Unlock()

	if !ok {
		return
	}

	wasConnected := pc.Entry().Status == ParticipantConnected
	pc.setDisconnected()
	s.reactions.Detach(participantID)
	s.speaker.RemoveSource(participantID)
	if err := s.mesh.neg.CloseConnection(pc.key); err != nil {
		logger.Error(err, "error closing mesh connection", "callID", s.callID, "participantID", participantID)
	}
	if wasConnected && s.connected.Dec() == 0 {
		s.speaker.Stop()
	}

	s.callback.OnParticipantDisconnected(participantID)

	if empty {
		s.Release()
	}
}

// drop removes a registry entry for a connection that never finished
// opening.
func (s *CallSession) drop(participantID string) {
	s.lock.Lock()
	delete(s.participants, participantID)
	s.lock.Unlock()
	_ = s.mesh.neg.CloseConnection(ConnKey{Call: s.callID, Participant: participantID})
}

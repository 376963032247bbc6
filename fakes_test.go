package callsdk

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// fakeNegotiator implements Negotiator without touching the network. It
// records every facade call so tests can assert exactly-once semantics,
// and lets tests drive connection-state callbacks by hand.
type fakeNegotiator struct {
	lock       sync.Mutex
	conns      map[ConnKey]*fakeConn
	closeCalls map[ConnKey]int
	failDial   map[ConnKey]error
	failAnswer map[ConnKey]error
}

type fakeConn struct {
	offerer      bool
	handlers     ConnHandlers
	stream       *LocalStream
	remoteOffer  *webrtc.SessionDescription
	remoteAnswer *webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	sent         [][]byte
	sendErr      error
}

func newFakeNegotiator() *fakeNegotiator {
	return &fakeNegotiator{
		conns:      make(map[ConnKey]*fakeConn),
		closeCalls: make(map[ConnKey]int),
		failDial:   make(map[ConnKey]error),
		failAnswer: make(map[ConnKey]error),
	}
}

func (n *fakeNegotiator) CreateConnection(key ConnKey, offerer bool, h ConnHandlers) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	if err := n.failDial[key]; err != nil {
		return err
	}
	if _, ok := n.conns[key]; ok {
		return ErrConnectionExists
	}
	n.conns[key] = &fakeConn{offerer: offerer, handlers: h}
	return nil
}

func (n *fakeNegotiator) conn(key ConnKey) *fakeConn {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.conns[key]
}

func (n *fakeNegotiator) CreateOffer(key ConnKey) (webrtc.SessionDescription, error) {
	if n.conn(key) == nil {
		return webrtc.SessionDescription{}, ErrConnectionNotFound
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + key.Participant}, nil
}

func (n *fakeNegotiator) CreateAnswer(key ConnKey, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c := n.conn(key)
	if c == nil {
		return webrtc.SessionDescription{}, ErrConnectionNotFound
	}
	n.lock.Lock()
	failErr := n.failAnswer[key]
	c.remoteOffer = &offer
	n.lock.Unlock()
	if failErr != nil {
		return webrtc.SessionDescription{}, failErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + key.Participant}, nil
}

func (n *fakeNegotiator) SetRemoteAnswer(key ConnKey, answer webrtc.SessionDescription) error {
	c := n.conn(key)
	if c == nil {
		return ErrConnectionNotFound
	}
	n.lock.Lock()
	c.remoteAnswer = &answer
	n.lock.Unlock()
	return nil
}

func (n *fakeNegotiator) AddICECandidate(key ConnKey, candidate webrtc.ICECandidateInit) error {
	c := n.conn(key)
	if c == nil {
		return ErrConnectionNotFound
	}
	n.lock.Lock()
	c.candidates = append(c.candidates, candidate)
	n.lock.Unlock()
	return nil
}

func (n *fakeNegotiator) AddLocalStream(key ConnKey, stream *LocalStream) error {
	c := n.conn(key)
	if c == nil {
		return ErrConnectionNotFound
	}
	n.lock.Lock()
	c.stream = stream
	n.lock.Unlock()
	return nil
}

func (n *fakeNegotiator) ReplaceAudioTrack(key ConnKey, track webrtc.TrackLocal) error {
	if n.conn(key) == nil {
		return ErrConnectionNotFound
	}
	return nil
}

func (n *fakeNegotiator) ReplaceVideoTrack(key ConnKey, track webrtc.TrackLocal) error {
	if n.conn(key) == nil {
		return ErrConnectionNotFound
	}
	return nil
}

func (n *fakeNegotiator) SendData(key ConnKey, payload []byte) error {
	c := n.conn(key)
	if c == nil {
		return ErrConnectionNotFound
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (n *fakeNegotiator) CloseConnection(key ConnKey) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	if _, ok := n.conns[key]; !ok {
		return nil
	}
	delete(n.conns, key)
	n.closeCalls[key]++
	return nil
}

func (n *fakeNegotiator) closed(key ConnKey) int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.closeCalls[key]
}

// fireState drives a connection-state callback as the transport would.
func (n *fakeNegotiator) fireState(key ConnKey, state webrtc.PeerConnectionState) {
	c := n.conn(key)
	if c != nil && c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(state)
	}
}

// fireCandidate simulates a locally gathered candidate.
func (n *fakeNegotiator) fireCandidate(key ConnKey, candidate webrtc.ICECandidateInit) {
	c := n.conn(key)
	if c != nil && c.handlers.OnCandidate != nil {
		c.handlers.OnCandidate(candidate)
	}
}

// deliverData simulates an inbound data-channel message.
func (n *fakeNegotiator) deliverData(key ConnKey, payload []byte) {
	c := n.conn(key)
	if c != nil && c.handlers.OnData != nil {
		c.handlers.OnData(payload)
	}
}

type fakeMedia struct {
	lock     sync.Mutex
	fail     bool
	acquired int
	released int
}

func (m *fakeMedia) GetUserMedia(_ context.Context, _ CallType) (*LocalStream, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.fail {
		return nil, errors.New("camera unavailable")
	}
	m.acquired++
	return &LocalStream{}, nil
}

func (m *fakeMedia) Release(_ *LocalStream) {
	m.lock.Lock()
	m.released++
	m.lock.Unlock()
}

func (m *fakeMedia) releasedCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.released
}

type historyRecorder struct {
	lock    sync.Mutex
	entries []HistoryEntry
}

func (h *historyRecorder) Record(entry HistoryEntry) {
	h.lock.Lock()
	h.entries = append(h.entries, entry)
	h.lock.Unlock()
}

func (h *historyRecorder) Entries() []HistoryEntry {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]HistoryEntry(nil), h.entries...)
}

package callsdk

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v4"
)

const (
	reactionsDataChannelName = "_reactions"
	negotiationFrequency     = 150 * time.Millisecond
)

// ConnKey identifies one peer connection. Group calls open concurrent
// connections under the same call id, so the participant id is part of
// the key.
type ConnKey struct {
	Call        string
	Participant string
}

// ConnHandlers are the upward callbacks of one connection. Any field may
// be nil.
type ConnHandlers struct {
	// OnCandidate fires for each gathered local candidate.
	OnCandidate func(webrtc.ICECandidateInit)
	// OnTrack fires for each incoming remote track.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	// OnStateChange fires on peer connection state transitions.
	OnStateChange func(webrtc.PeerConnectionState)
	// OnData fires for each message on the reactions data channel.
	OnData func([]byte)
	// OnOffer fires with renegotiation offers after the initial
	// exchange, e.g. when a track of a different codec is swapped in.
	// The built-in call flows never renegotiate; routing these is up to
	// the application.
	OnOffer func(webrtc.SessionDescription)
}

// Negotiator is the transport negotiation facade: it creates peer
// connections, produces and consumes session descriptions, and exchanges
// connectivity candidates. Payload internals are opaque to every caller.
type Negotiator interface {
	CreateConnection(key ConnKey, offerer bool, h ConnHandlers) error
	CreateOffer(key ConnKey) (webrtc.SessionDescription, error)
	CreateAnswer(key ConnKey, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteAnswer(key ConnKey, answer webrtc.SessionDescription) error
	AddICECandidate(key ConnKey, candidate webrtc.ICECandidateInit) error
	AddLocalStream(key ConnKey, stream *LocalStream) error
	ReplaceAudioTrack(key ConnKey, track webrtc.TrackLocal) error
	ReplaceVideoTrack(key ConnKey, track webrtc.TrackLocal) error
	SendData(key ConnKey, payload []byte) error
	CloseConnection(key ConnKey) error
}

// WebRTCNegotiator is the default Negotiator, backed by pion.
type WebRTCNegotiator struct {
	config webrtc.Configuration

	lock  sync.Mutex
	links map[ConnKey]*pcLink
}

func NewWebRTCNegotiator(iceServers []webrtc.ICEServer) *WebRTCNegotiator {
	return &WebRTCNegotiator{
		config: webrtc.Configuration{ICEServers: iceServers},
		links:  make(map[ConnKey]*pcLink),
	}
}

// pcLink wraps one PeerConnection with some helper state: candidates
// arriving before the remote description are buffered, renegotiation is
// debounced, and close is a fused no-op after the first call.
type pcLink struct {
	pc *webrtc.PeerConnection

	lock               sync.Mutex
	pendingCandidates  []webrtc.ICECandidateInit
	debouncedNegotiate func(func())
	negotiated         bool
	reactionsDC        *webrtc.DataChannel
	handlers           ConnHandlers

	closed core.Fuse
}

func (n *WebRTCNegotiator) CreateConnection(key ConnKey, offerer bool, h ConnHandlers) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if _, ok := n.links[key]; ok {
		return ErrConnectionExists
	}

	pc, err := webrtc.NewPeerConnection(n.config)
	if err != nil {
		return err
	}

	link := &pcLink{
		pc:                 pc,
		debouncedNegotiate: debounce.New(negotiationFrequency),
		handlers:           h,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// gathering done
			return
		}
		if f := h.OnCandidate; f != nil {
			f(candidate.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if f := h.OnStateChange; f != nil {
			f(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if f := h.OnTrack; f != nil {
			f(track, receiver)
		}
	})
	pc.OnNegotiationNeeded(func() {
		link.negotiate()
	})

	if offerer {
		ordered := true
		dc, err := pc.CreateDataChannel(reactionsDataChannelName, &webrtc.DataChannelInit{
			Ordered: &ordered,
		})
		if err != nil {
			_ = pc.Close()
			return err
		}
		link.setReactionsDC(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != reactionsDataChannelName {
				return
			}
			link.setReactionsDC(dc)
		})
	}

	n.links[key] = link
	return nil
}

func (n *WebRTCNegotiator) link(key ConnKey) (*pcLink, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	link, ok := n.links[key]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return link, nil
}

func (n *WebRTCNegotiator) CreateOffer(key ConnKey) (webrtc.SessionDescription, error) {
	link, err := n.link(key)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	link.lock.Lock()
	link.negotiated = true
	link.lock.Unlock()
	return offer, nil
}

func (n *WebRTCNegotiator) CreateAnswer(key ConnKey, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	link, err := n.link(key)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := link.setRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	link.lock.Lock()
	link.negotiated = true
	link.lock.Unlock()
	return answer, nil
}

func (n *WebRTCNegotiator) SetRemoteAnswer(key ConnKey, answer webrtc.SessionDescription) error {
	link, err := n.link(key)
	if err != nil {
		return err
	}
	return link.setRemoteDescription(answer)
}

func (n *WebRTCNegotiator) AddICECandidate(key ConnKey, candidate webrtc.ICECandidateInit) error {
	link, err := n.link(key)
	if err != nil {
		return err
	}

	if link.pc.RemoteDescription() == nil {
		link.lock.Lock()
		link.pendingCandidates = append(link.pendingCandidates, candidate)
		link.lock.Unlock()
		return nil
	}
	return link.pc.AddICECandidate(candidate)
}

func (n *WebRTCNegotiator) AddLocalStream(key ConnKey, stream *LocalStream) error {
	link, err := n.link(key)
	if err != nil {
		return err
	}
	if stream == nil {
		return ErrNoLocalStream
	}
	for _, track := range stream.Tracks() {
		if _, err := link.pc.AddTrack(track); err != nil {
			return err
		}
	}
	return nil
}

func (n *WebRTCNegotiator) ReplaceAudioTrack(key ConnKey, track webrtc.TrackLocal) error {
	return n.replaceTrack(key, webrtc.RTPCodecTypeAudio, track)
}

func (n *WebRTCNegotiator) ReplaceVideoTrack(key ConnKey, track webrtc.TrackLocal) error {
	return n.replaceTrack(key, webrtc.RTPCodecTypeVideo, track)
}

func (n *WebRTCNegotiator) replaceTrack(key ConnKey, kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	link, err := n.link(key)
	if err != nil {
		return err
	}

	for _, sender := range link.pc.GetSenders() {
		current := sender.Track()
		if current == nil || current.Kind() != kind {
			continue
		}
		return sender.ReplaceTrack(track)
	}
	return ErrNoLocalStream
}

func (n *WebRTCNegotiator) SendData(key ConnKey, payload []byte) error {
	link, err := n.link(key)
	if err != nil {
		return err
	}

	link.lock.Lock()
	dc := link.reactionsDC
	link.lock.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(payload)
}

// CloseConnection destroys the handle for key. Closing an unknown or
// already-closed key is a no-op.
func (n *WebRTCNegotiator) CloseConnection(key ConnKey) error {
	n.lock.Lock()
	link, ok := n.links[key]
	delete(n.links, key)
	n.lock.Unlock()

	if !ok {
		return nil
	}
	link.close()
	return nil
}

func (l *pcLink) setReactionsDC(dc *webrtc.DataChannel) {
	l.lock.Lock()
	l.reactionsDC = dc
	l.lock.Unlock()
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if f := l.handlers.OnData; f != nil {
			f(msg.Data)
		}
	})
}

func (l *pcLink) setRemoteDescription(sd webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(sd); err != nil {
		return err
	}

	l.lock.Lock()
	pending := l.pendingCandidates
	l.pendingCandidates = nil
	l.lock.Unlock()

	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// negotiate emits a fresh offer through OnOffer, debounced so a burst of
// track changes folds into one round. Skipped until the initial exchange
// has happened: the first offer is driven explicitly by CreateOffer.
func (l *pcLink) negotiate() {
	l.lock.Lock()
	ready := l.negotiated && l.handlers.OnOffer != nil
	l.lock.Unlock()
	if !ready || l.closed.IsBroken() {
		return
	}

	l.debouncedNegotiate(func() {
		if l.closed.IsBroken() {
			return
		}
		offer, err := l.pc.CreateOffer(nil)
		if err != nil {
			logger.Error(err, "could not create renegotiation offer")
			return
		}
		if err := l.pc.SetLocalDescription(offer); err != nil {
			logger.Error(err, "could not set local description")
			return
		}
		l.handlers.OnOffer(offer)
	})
}

func (l *pcLink) close() {
	l.closed.Once(func() {
		if err := l.pc.Close(); err != nil {
			logger.Error(err, "error closing peer connection")
		}
	})
}

package callsdk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type CallManagerOption func(*CallManager)

func WithClock(clk clock.Clock) CallManagerOption {
	return func(m *CallManager) { m.clock = clk }
}

func WithHistorySink(sink HistorySink) CallManagerOption {
	return func(m *CallManager) { m.history = sink }
}

func WithCallCallback(cb *CallCallback) CallManagerOption {
	return func(m *CallManager) { m.callback.Merge(cb) }
}

// CallManager owns the 1:1 calls of one local user. It is explicitly
// constructed and carries no process-global state; tests run several
// managers side by side over one store.
type CallManager struct {
	localID  string
	store    SignalStore
	neg      Negotiator
	media    MediaProvider
	history  HistorySink
	callback *CallCallback
	clock    clock.Clock

	lock  sync.Mutex
	calls map[string]*Call
}

func NewCallManager(localID string, store SignalStore, neg Negotiator, media MediaProvider, opts ...CallManagerOption) *CallManager {
	m := &CallManager{
		localID:  localID,
		store:    store,
		neg:      neg,
		media:    media,
		history:  nopHistory{},
		callback: NewCallCallback(),
		clock:    clock.New(),
		calls:    make(map[string]*Call),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartCall places an outgoing call. The returned handle is live
// immediately; negotiation continues asynchronously through the
// signaling watches.
func (m *CallManager) StartCall(ctx context.Context, calleeID string, kind CallType) (*Call, error) {
	stream, err := m.media.GetUserMedia(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMediaAcquisition, err)
	}

	c := m.newCall(uuid.NewString(), calleeID, kind, DirectionOutgoing)
	c.localStream = stream

	rec := &CallRecord{
		CallID:    c.id,
		Caller:    m.localID,
		Callee:    calleeID,
		Type:      kind,
		Status:    CallRinging,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.CreateRecord(ctx, rec); err != nil {
		m.media.Release(stream)
		return nil, fmt.Errorf("%w: %s", ErrSignalingWrite, err)
	}

	if err := c.setupConnection(true); err != nil {
		c.finish(CallFailed, true, false)
		return nil, fmt.Errorf("%w: %s", ErrNegotiation, err)
	}

	offer, err := m.neg.CreateOffer(c.key)
	if err != nil {
		c.finish(CallFailed, true, false)
		return nil, fmt.Errorf("%w: %s", ErrNegotiation, err)
	}
	if err := m.store.Set(ctx, c.id, FieldOffer, marshalSessionDescription(offer)); err != nil {
		c.finish(CallFailed, true, false)
		return nil, fmt.Errorf("%w: %s", ErrSignalingWrite, err)
	}

	c.watch(FieldAnswer, c.handleRemoteAnswer)
	c.watch(FieldCalleeCandidates, c.handleRemoteCandidate)
	c.watch(FieldStatus, c.handleRemoteStatus)

	m.register(c)
	return c, nil
}

// HandleIncoming registers an incoming call from its ringing record,
// notifies the UI, and arms the missed-call timer. From this point
// accept, reject, and timeout race; exactly one wins.
func (m *CallManager) HandleIncoming(rec *CallRecord) (*Call, error) {
	if rec == nil || rec.Status != CallRinging {
		return nil, ErrCallNotRinging
	}
	if rec.Callee != m.localID {
		return nil, ErrCallNotFound
	}

	m.lock.Lock()
	if existing, ok := m.calls[rec.CallID]; ok {
		m.lock.Unlock()
		return existing, nil
	}
	m.lock.Unlock()

	c := m.newCall(rec.CallID, rec.Caller, rec.Type, DirectionIncoming)
	c.missedTimer = m.clock.AfterFunc(RingTimeout, c.ringTimeout)
	c.watch(FieldStatus, c.handleRemoteStatus)

	m.register(c)
	m.callback.OnIncoming(rec)
	return c, nil
}

func (m *CallManager) AcceptCall(ctx context.Context, callID string) error {
	c := m.ActiveCall(callID)
	if c == nil {
		return ErrCallNotFound
	}
	return c.Accept(ctx)
}

func (m *CallManager) RejectCall(ctx context.Context, callID string) error {
	c := m.ActiveCall(callID)
	if c == nil {
		return ErrCallNotFound
	}
	return c.Reject(ctx)
}

func (m *CallManager) EndCall(ctx context.Context, callID string) error {
	c := m.ActiveCall(callID)
	if c == nil {
		return ErrCallNotFound
	}
	c.End(ctx)
	return nil
}

// ActiveCall returns the live handle for callID, or nil.
func (m *CallManager) ActiveCall(callID string) *Call {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.calls[callID]
}

func (m *CallManager) newCall(id, remoteID string, kind CallType, direction CallDirection) *Call {
	c := &Call{
		mgr:       m,
		id:        id,
		kind:      kind,
		remoteID:  remoteID,
		direction: direction,
		status:    CallRinging,
		key:       ConnKey{Call: id, Participant: remoteID},
	}
	c.reactions = newReactions(m.clock, func(ev ReactionEvent) {
		m.callback.OnReaction(c.id, ev)
	})
	return c
}

func (m *CallManager) register(c *Call) {
	m.lock.Lock()
	m.calls[c.id] = c
	m.lock.Unlock()
}

func (m *CallManager) remove(callID string) {
	m.lock.Lock()
	delete(m.calls, callID)
	m.lock.Unlock()
}

// Call is the state machine of a single 1:1 call. Status transitions are
// monotonic: once a terminal status is reached nothing moves it again,
// no matter which of accept, reject, timeout, or a connection-state
// callback fires afterwards.
type Call struct {
	mgr       *CallManager
	id        string
	kind      CallType
	remoteID  string
	direction CallDirection
	key       ConnKey
	reactions *Reactions

	lock        sync.Mutex
	status      CallStatus
	startedAt   time.Time
	localStream *LocalStream
	subs        []Unsubscribe
	missedTimer *clock.Timer

	done core.Fuse
}

func (c *Call) ID() string               { return c.id }
func (c *Call) Type() CallType           { return c.kind }
func (c *Call) RemoteID() string         { return c.remoteID }
func (c *Call) Direction() CallDirection { return c.direction }

func (c *Call) Status() CallStatus {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.status
}

// StartedAt is the time the connection first reached active, zero until
// then.
func (c *Call) StartedAt() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.startedAt
}

// Accept answers an incoming ringing call. If reject or the ring timeout
// win the race while media is being acquired, the accept loses and
// returns ErrCallNotRinging.
func (c *Call) Accept(ctx context.Context) error {
	stream, err := c.mgr.media.GetUserMedia(ctx, c.kind)
	if err != nil {
		// record already exists, reflect the abort on it
		c.finish(CallFailed, true, false)
		return fmt.Errorf("%w: %s", ErrMediaAcquisition, err)
	}

	if !c.transition(CallAccepted, CallRinging) {
		c.mgr.media.Release(stream)
		return ErrCallNotRinging
	}

	c.lock.Lock()
	c.localStream = stream
	timer := c.missedTimer
	c.missedTimer = nil
	c.lock.Unlock()
	if timer != nil {
		timer.Stop()
	}

	if err := c.setupConnection(false); err != nil {
		c.finish(CallFailed, true, false)
		return fmt.Errorf("%w: %s", ErrNegotiation, err)
	}

	offerValue, err := c.awaitOffer(ctx)
	if err != nil {
		c.finish(CallFailed, true, false)
		return err
	}
	offer, err := unmarshalSessionDescription(offerValue)
	if err != nil {
		c.finish(CallFailed, true, false)
		return fmt.Errorf("%w: %s", ErrNegotiation, err)
	}

	answer, err := c.mgr.neg.CreateAnswer(c.key, offer)
	if err != nil {
		c.finish(CallFailed, true, false)
		return fmt.Errorf("%w: %s", ErrNegotiation, err)
	}
	if err := c.mgr.store.Set(ctx, c.id, FieldAnswer, marshalSessionDescription(answer)); err != nil {
		c.finish(CallFailed, true, false)
		return fmt.Errorf("%w: %s", ErrSignalingWrite, err)
	}
	if err := c.mgr.store.Set(ctx, c.id, FieldStatus, string(CallAccepted)); err != nil {
		c.finish(CallFailed, true, false)
		return fmt.Errorf("%w: %s", ErrSignalingWrite, err)
	}

	c.watch(FieldCallerCandidates, c.handleRemoteCandidate)

	c.mgr.callback.OnStatusChanged(c.id, CallAccepted)
	return nil
}

// Reject declines a ringing call and notifies the caller side through
// the status watch.
func (c *Call) Reject(ctx context.Context) error {
	if !c.transition(CallRejected, CallRinging) {
		return ErrCallNotRinging
	}
	c.terminate(CallRejected, true, false)
	return nil
}

// End hangs up. The terminal status is written immediately; local
// resources are torn down after the grace period so the UI can finish
// its exit animation. Ending an already-ended call is a no-op.
func (c *Call) End(ctx context.Context) {
	c.finish(CallEnded, true, true)
}

// SendReaction sends an emoji over the call's data channel, subject to
// the allow-list and the per-call throttle.
func (c *Call) SendReaction(emoji string) error {
	return c.reactions.Send(c.mgr.localID, emoji)
}

// RecentReactions returns the bounded recent-reaction buffer, oldest
// first.
func (c *Call) RecentReactions() []ReactionEvent {
	return c.reactions.Recent()
}

// ApplyAudioTransform runs the opaque transform (noise cancellation and
// friends) and swaps the resulting audio track onto the live connection.
func (c *Call) ApplyAudioTransform(ctx context.Context, transform StreamTransform, preset string) error {
	return c.applyTransform(ctx, transform, preset, true)
}

// ApplyVideoTransform is ApplyAudioTransform for the video track
// (virtual backgrounds).
func (c *Call) ApplyVideoTransform(ctx context.Context, transform StreamTransform, preset string) error {
	return c.applyTransform(ctx, transform, preset, false)
}

func (c *Call) applyTransform(ctx context.Context, transform StreamTransform, preset string, audio bool) error {
	c.lock.Lock()
	stream := c.localStream
	c.lock.Unlock()
	if stream == nil {
		return ErrNoLocalStream
	}

	out, err := transform(ctx, stream, preset)
	if err != nil {
		return err
	}

	if audio && out.Audio != nil {
		if err := c.mgr.neg.ReplaceAudioTrack(c.key, out.Audio); err != nil {
			return err
		}
	}
	if !audio && out.Video != nil {
		if err := c.mgr.neg.ReplaceVideoTrack(c.key, out.Video); err != nil {
			return err
		}
	}

	c.lock.Lock()
	c.localStream = out
	c.lock.Unlock()
	return nil
}

func (c *Call) setupConnection(offerer bool) error {
	lane := FieldCallerCandidates
	if c.direction == DirectionIncoming {
		lane = FieldCalleeCandidates
	}

	h := ConnHandlers{
		OnCandidate: func(candidate webrtc.ICECandidateInit) {
			if err := c.mgr.store.Push(context.Background(), c.id, lane, marshalCandidate(candidate)); err != nil {
				logger.Error(err, "could not publish local candidate", "callID", c.id)
			}
		},
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			c.mgr.callback.OnRemoteTrack(c.id, track)
		},
		OnStateChange: c.handleConnectionState,
		OnData: func(payload []byte) {
			c.reactions.HandleIncoming(c.remoteID, payload)
		},
	}

	if err := c.mgr.neg.CreateConnection(c.key, offerer, h); err != nil {
		return err
	}

	c.lock.Lock()
	stream := c.localStream
	c.lock.Unlock()
	return c.mgr.neg.AddLocalStream(c.key, stream)
}

// awaitOffer reads the caller's offer, waiting on a watch if it has not
// propagated yet.
func (c *Call) awaitOffer(ctx context.Context) (string, error) {
	if v, err := c.mgr.store.ReadOnce(ctx, c.id, FieldOffer); err != nil {
		return "", fmt.Errorf("%w: %s", ErrSignalingWrite, err)
	} else if v != "" {
		return v, nil
	}

	ch := make(chan string, 1)
	unsub := c.mgr.store.Watch(c.id, FieldOffer, func(v string) {
		select {
		case ch <- v:
		default:
		}
	})
	defer unsub()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Call) handleRemoteAnswer(value string) {
	answer, err := unmarshalSessionDescription(value)
	if err != nil {
		logger.Error(err, "could not parse remote answer", "callID", c.id)
		return
	}
	if err := c.mgr.neg.SetRemoteAnswer(c.key, answer); err != nil {
		logger.Error(err, "could not apply remote answer", "callID", c.id)
	}
}

func (c *Call) handleRemoteCandidate(value string) {
	candidate, err := unmarshalCandidate(value)
	if err != nil {
		logger.Error(err, "could not parse remote candidate", "callID", c.id)
		return
	}
	if err := c.mgr.neg.AddICECandidate(c.key, candidate); err != nil {
		logger.Error(err, "could not add remote candidate", "callID", c.id)
	}
}

// handleRemoteStatus applies status transitions observed on the store.
// Delivery is at least once, so every branch is idempotent.
func (c *Call) handleRemoteStatus(value string) {
	switch status := CallStatus(value); status {
	case CallAccepted:
		if c.transition(CallAccepted, CallRinging) {
			c.mgr.callback.OnStatusChanged(c.id, CallAccepted)
		}
	case CallActive:
		c.markActive(false)
	case CallRejected, CallEnded, CallMissed, CallFailed:
		// remote side already wrote the terminal status
		c.finish(status, false, status == CallEnded)
	}
}

func (c *Call) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.markActive(true)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		if c.finish(CallFailed, true, false) {
			logger.Info("call lost its connection", "callID", c.id, "state", state.String())
		}
	}
}

// markActive moves the call to active and records the start timestamp,
// exactly once no matter how many times connected is reported.
func (c *Call) markActive(writeRemote bool) {
	if !c.transition(CallActive, CallRinging, CallAccepted) {
		return
	}

	c.lock.Lock()
	if c.startedAt.IsZero() {
		c.startedAt = c.mgr.clock.Now()
	}
	timer := c.missedTimer
	c.missedTimer = nil
	c.lock.Unlock()
	if timer != nil {
		timer.Stop()
	}

	if writeRemote {
		if err := c.mgr.store.Set(context.Background(), c.id, FieldStatus, string(CallActive)); err != nil {
			logger.Error(err, "could not write active status", "callID", c.id)
		}
	}

	c.reactions.Attach(c.remoteID, func(payload []byte) error {
		return c.mgr.neg.SendData(c.key, payload)
	})

	c.mgr.callback.OnStatusChanged(c.id, CallActive)
	c.mgr.callback.OnConnected(c.id)
}

func (c *Call) ringTimeout() {
	if c.finish(CallMissed, true, false) {
		logger.Info("call missed", "callID", c.id, "caller", c.remoteID)
	}
}

// transition applies to if the current status is one of from and not
// terminal. Every state change goes through here, which is what makes
// the accept/reject/timeout race safe: the loser sees the state already
// moved and backs off.
func (c *Call) transition(to CallStatus, from ...CallStatus) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.status.Terminal() {
		return false
	}
	for _, f := range from {
		if c.status == f {
			c.status = to
			return true
		}
	}
	return false
}

// finish claims the terminal status and runs the terminal bookkeeping.
// Returns false if another outcome already won.
func (c *Call) finish(status CallStatus, writeRemote, grace bool) bool {
	c.lock.Lock()
	if c.status.Terminal() {
		c.lock.Unlock()
		return false
	}
	c.status = status
	c.lock.Unlock()

	c.terminate(status, writeRemote, grace)
	return true
}

// terminate runs after the terminal status has been claimed: it stops
// the ring timer, reflects the status on the store, records history, and
// schedules teardown.
func (c *Call) terminate(status CallStatus, writeRemote, grace bool) {
	c.lock.Lock()
	timer := c.missedTimer
	c.missedTimer = nil
	started := c.startedAt
	c.lock.Unlock()

	// stopping a timer that already fired is a no-op
	if timer != nil {
		timer.Stop()
	}

	if writeRemote {
		ctx := context.Background()
		if err := c.mgr.store.Set(ctx, c.id, FieldStatus, string(status)); err != nil {
			logger.Error(err, "could not write terminal status", "callID", c.id, "status", string(status))
		}
		if status == CallEnded || status == CallMissed {
			if err := c.mgr.store.Set(ctx, c.id, FieldEndedAt, c.mgr.clock.Now().Format(time.RFC3339Nano)); err != nil {
				logger.Error(err, "could not write end timestamp", "callID", c.id)
			}
		}
	}

	if status == CallEnded || status == CallMissed {
		var duration time.Duration
		if !started.IsZero() {
			duration = c.mgr.clock.Now().Sub(started)
		}
		c.mgr.history.Record(HistoryEntry{
			UserID:    c.mgr.localID,
			ContactID: c.remoteID,
			Type:      c.kind,
			Direction: c.direction,
			Status:    status,
			Duration:  duration,
		})
	}

	c.mgr.callback.OnStatusChanged(c.id, status)
	c.mgr.callback.OnEnded(c.id, status)

	if grace {
		c.mgr.clock.AfterFunc(EndGracePeriod, c.cleanup)
	} else {
		c.cleanup()
	}
}

// cleanup releases everything the call holds: the watch registry is
// drained exactly once, the connection handle is closed (double-close is
// a no-op), and local media is returned to the provider. Safe to invoke
// any number of times from any trigger; errors are swallowed because
// teardown must not itself fail.
func (c *Call) cleanup() {
	c.done.Once(func() {
		c.lock.Lock()
		subs := c.subs
		c.subs = nil
		timer := c.missedTimer
		c.missedTimer = nil
		stream := c.localStream
		c.localStream = nil
		c.lock.Unlock()

		if timer != nil {
			timer.Stop()
		}
		for _, unsub := range subs {
			unsub()
		}
		if err := c.mgr.neg.CloseConnection(c.key); err != nil {
			logger.Error(err, "error closing connection during teardown", "callID", c.id)
		}
		if stream != nil {
			c.mgr.media.Release(stream)
		}
		c.mgr.remove(c.id)
	})
}

// watch registers a store subscription in the per-call registry so
// teardown can drain it.
func (c *Call) watch(field string, fn func(string)) {
	unsub := c.mgr.store.Watch(c.id, field, fn)

	c.lock.Lock()
	if c.done.IsBroken() {
		c.lock.Unlock()
		unsub()
		return
	}
	c.subs = append(c.subs, unsub)
	c.lock.Unlock()
}

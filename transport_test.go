package callsdk

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func newTestTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "test")
	require.NoError(t, err)
	return track
}

func TestWebRTCNegotiator(t *testing.T) {
	caller := NewWebRTCNegotiator(nil)
	callee := NewWebRTCNegotiator(nil)

	keyToCallee := ConnKey{Call: "call-1", Participant: "bob"}
	keyToCaller := ConnKey{Call: "call-1", Participant: "alice"}

	require.NoError(t, caller.CreateConnection(keyToCallee, true, ConnHandlers{}))
	require.NoError(t, callee.CreateConnection(keyToCaller, false, ConnHandlers{}))

	t.Run("duplicate key", func(t *testing.T) {
		require.ErrorIs(t, caller.CreateConnection(keyToCallee, true, ConnHandlers{}), ErrConnectionExists)
	})

	t.Run("local stream", func(t *testing.T) {
		require.ErrorIs(t, caller.AddLocalStream(keyToCallee, nil), ErrNoLocalStream)
		require.NoError(t, caller.AddLocalStream(keyToCallee, &LocalStream{
			Audio: newTestTrack(t, "audio"),
		}))
	})

	t.Run("offer answer", func(t *testing.T) {
		offer, err := caller.CreateOffer(keyToCallee)
		require.NoError(t, err)
		require.Equal(t, webrtc.SDPTypeOffer, offer.Type)
		require.NotEmpty(t, offer.SDP)

		answer, err := callee.CreateAnswer(keyToCaller, offer)
		require.NoError(t, err)
		require.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

		require.NoError(t, caller.SetRemoteAnswer(keyToCallee, answer))
	})

	t.Run("candidates before remote description are buffered", func(t *testing.T) {
		otherCallee := NewWebRTCNegotiator(nil)
		key := ConnKey{Call: "call-2", Participant: "alice"}
		require.NoError(t, otherCallee.CreateConnection(key, false, ConnHandlers{}))

		// no remote description yet, must not error
		require.NoError(t, otherCallee.AddICECandidate(key, webrtc.ICECandidateInit{
			Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		}))
		require.NoError(t, otherCallee.CloseConnection(key))
	})

	t.Run("send before channel open", func(t *testing.T) {
		require.ErrorIs(t, caller.SendData(keyToCallee, []byte("x")), ErrChannelNotOpen)
	})

	t.Run("replace track", func(t *testing.T) {
		require.NoError(t, caller.ReplaceAudioTrack(keyToCallee, newTestTrack(t, "audio-2")))
		// no video sender on an audio-only connection
		require.ErrorIs(t, caller.ReplaceVideoTrack(keyToCallee, nil), ErrNoLocalStream)
	})

	t.Run("close", func(t *testing.T) {
		require.NoError(t, caller.CloseConnection(keyToCallee))
		require.NoError(t, caller.CloseConnection(keyToCallee)) // no-op
		require.NoError(t, callee.CloseConnection(keyToCaller))

		_, err := caller.CreateOffer(keyToCallee)
		require.ErrorIs(t, err, ErrConnectionNotFound)
		require.ErrorIs(t, caller.SendData(keyToCallee, nil), ErrConnectionNotFound)
	})
}

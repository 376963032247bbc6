package callsdk

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Session descriptions and candidates cross the signaling store as JSON
// strings; their internals stay opaque to everything above the facade.

func marshalSessionDescription(sd webrtc.SessionDescription) string {
	data, _ := json.Marshal(sd)
	return string(data)
}

func unmarshalSessionDescription(value string) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	err := json.Unmarshal([]byte(value), &sd)
	return sd, err
}

func marshalCandidate(candidate webrtc.ICECandidateInit) string {
	data, _ := json.Marshal(candidate)
	return string(data)
}

func unmarshalCandidate(value string) (webrtc.ICECandidateInit, error) {
	var ci webrtc.ICECandidateInit
	err := json.Unmarshal([]byte(value), &ci)
	return ci, err
}

package callsdk

import "time"

type CallDirection string

const (
	DirectionOutgoing CallDirection = "outgoing"
	DirectionIncoming CallDirection = "incoming"
)

// HistoryEntry is what the SDK hands to the application's call-history
// persistence on call end or miss. The SDK never reads history back.
type HistoryEntry struct {
	UserID    string
	ContactID string
	Type      CallType
	Direction CallDirection
	Status    CallStatus
	Duration  time.Duration
}

type HistorySink interface {
	Record(entry HistoryEntry)
}

type nopHistory struct{}

func (nopHistory) Record(HistoryEntry) {}

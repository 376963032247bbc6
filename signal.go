package callsdk

import (
	"context"
	"time"
)

// Call record field names understood by every SignalStore.
const (
	FieldStatus           = "status"
	FieldOffer            = "offer"
	FieldAnswer           = "answer"
	FieldCallerCandidates = "callerCandidates"
	FieldCalleeCandidates = "calleeCandidates"
	FieldEndedAt          = "endedAt"
)

// Unsubscribe tears down one watch. Safe to call more than once.
type Unsubscribe func()

// SignalStore is a thin client over a shared watchable key/value store,
// keyed by call id. It is the only channel two parties share before a
// direct connection exists.
//
// Contract:
//   - Push is append-only; pushed values are observed in push order and
//     are never overwritten.
//   - Watch replays the current value (every element, for list fields)
//     and then delivers each subsequent change in order, at least once.
//     Consumers must tolerate duplicate delivery of the same value.
//   - Every Watch returns an Unsubscribe owned by the caller.
type SignalStore interface {
	// CreateRecord creates the record exactly once per call attempt.
	CreateRecord(ctx context.Context, rec *CallRecord) error

	// Set writes a scalar field.
	Set(ctx context.Context, callID, field, value string) error

	// Push appends to a list field.
	Push(ctx context.Context, callID, field, value string) error

	// ReadOnce reads the current value of a scalar field without
	// establishing a watch. An unset field reads as "".
	ReadOnce(ctx context.Context, callID, field string) (string, error)

	// Watch observes a field; fn receives each value.
	Watch(callID, field string, fn func(value string)) Unsubscribe

	// List returns records matching the filter. A nil filter matches all.
	List(ctx context.Context, filter func(*CallRecord) bool) ([]*CallRecord, error)
}

func recordField(rec *CallRecord, field string) (string, error) {
	switch field {
	case FieldStatus:
		return string(rec.Status), nil
	case FieldOffer:
		return rec.Offer, nil
	case FieldAnswer:
		return rec.Answer, nil
	case FieldEndedAt:
		if rec.EndedAt.IsZero() {
			return "", nil
		}
		return rec.EndedAt.Format(time.RFC3339Nano), nil
	}
	return "", ErrUnknownField
}

func setRecordField(rec *CallRecord, field, value string) error {
	switch field {
	case FieldStatus:
		rec.Status = CallStatus(value)
	case FieldOffer:
		rec.Offer = value
	case FieldAnswer:
		rec.Answer = value
	case FieldEndedAt:
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return err
		}
		rec.EndedAt = t
	default:
		return ErrUnknownField
	}
	return nil
}

func recordList(rec *CallRecord, field string) ([]string, error) {
	switch field {
	case FieldCallerCandidates:
		return rec.CallerCandidates, nil
	case FieldCalleeCandidates:
		return rec.CalleeCandidates, nil
	}
	return nil, ErrUnknownField
}

func appendRecordList(rec *CallRecord, field, value string) error {
	switch field {
	case FieldCallerCandidates:
		rec.CallerCandidates = append(rec.CallerCandidates, value)
	case FieldCalleeCandidates:
		rec.CalleeCandidates = append(rec.CalleeCandidates, value)
	default:
		return ErrUnknownField
	}
	return nil
}

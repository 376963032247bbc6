package callsdk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newRingingRecord(callID, caller, callee string) *CallRecord {
	return &CallRecord{
		CallID:    callID,
		Caller:    caller,
		Callee:    callee,
		Type:      CallTypeAudio,
		Status:    CallRinging,
		CreatedAt: time.Now(),
	}
}

func TestMemoryStoreRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec := newRingingRecord("call-1", "alice", "bob")
	require.NoError(t, store.CreateRecord(ctx, rec))
	require.ErrorIs(t, store.CreateRecord(ctx, rec), ErrRecordExists)

	require.NoError(t, store.Set(ctx, "call-1", FieldOffer, "sdp-offer"))
	v, err := store.ReadOnce(ctx, "call-1", FieldOffer)
	require.NoError(t, err)
	require.Equal(t, "sdp-offer", v)

	// unset scalar reads as empty
	v, err = store.ReadOnce(ctx, "call-1", FieldAnswer)
	require.NoError(t, err)
	require.Empty(t, v)

	require.ErrorIs(t, store.Set(ctx, "no-such-call", FieldOffer, "x"), ErrRecordNotFound)
	require.ErrorIs(t, store.Set(ctx, "call-1", "bogus", "x"), ErrUnknownField)
	_, err = store.ReadOnce(ctx, "no-such-call", FieldOffer)
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMemoryStoreCandidateOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateRecord(ctx, newRingingRecord("call-1", "alice", "bob")))

	require.NoError(t, store.Push(ctx, "call-1", FieldCallerCandidates, "c1"))
	require.NoError(t, store.Push(ctx, "call-1", FieldCallerCandidates, "c2"))

	var (
		lock sync.Mutex
		got  []string
	)
	unsub := store.Watch("call-1", FieldCallerCandidates, func(v string) {
		lock.Lock()
		got = append(got, v)
		lock.Unlock()
	})
	defer unsub()

	require.NoError(t, store.Push(ctx, "call-1", FieldCallerCandidates, "c3"))

	// replayed elements come first, then live pushes, in push order
	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	lock.Lock()
	require.Equal(t, []string{"c1", "c2", "c3"}, got)
	lock.Unlock()

	recs, err := store.List(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2", "c3"}, recs[0].CallerCandidates)
}

func TestMemoryStoreWatchReplayRace(t *testing.T) {
	ctx := context.Background()

	// a push racing with watch registration must never be observed ahead
	// of the replayed values
	for i := 0; i < 50; i++ {
		store := NewMemoryStore()
		require.NoError(t, store.CreateRecord(ctx, newRingingRecord("call-1", "alice", "bob")))
		require.NoError(t, store.Push(ctx, "call-1", FieldCallerCandidates, "c1"))
		require.NoError(t, store.Push(ctx, "call-1", FieldCallerCandidates, "c2"))

		var (
			lock sync.Mutex
			got  []string
		)
		pushed := make(chan struct{})
		go func() {
			_ = store.Push(ctx, "call-1", FieldCallerCandidates, "c3")
			close(pushed)
		}()
		unsub := store.Watch("call-1", FieldCallerCandidates, func(v string) {
			lock.Lock()
			got = append(got, v)
			lock.Unlock()
		})
		<-pushed

		require.Eventually(t, func() bool {
			lock.Lock()
			defer lock.Unlock()
			return len(got) == 3
		}, time.Second, time.Millisecond)
		lock.Lock()
		require.Equal(t, []string{"c1", "c2", "c3"}, got)
		lock.Unlock()
		unsub()
	}
}

func TestMemoryStoreWatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateRecord(ctx, newRingingRecord("call-1", "alice", "bob")))

	t.Run("replays current scalar", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "call-1", FieldOffer, "sdp-offer"))

		ch := make(chan string, 1)
		unsub := store.Watch("call-1", FieldOffer, func(v string) { ch <- v })
		defer unsub()

		select {
		case v := <-ch:
			require.Equal(t, "sdp-offer", v)
		case <-time.After(time.Second):
			t.Fatal("no replay")
		}
	})

	t.Run("delivers changes in order", func(t *testing.T) {
		var (
			lock sync.Mutex
			got  []string
		)
		unsub := store.Watch("call-1", FieldStatus, func(v string) {
			lock.Lock()
			got = append(got, v)
			lock.Unlock()
		})
		defer unsub()

		require.NoError(t, store.Set(ctx, "call-1", FieldStatus, string(CallAccepted)))
		require.NoError(t, store.Set(ctx, "call-1", FieldStatus, string(CallActive)))
		require.NoError(t, store.Set(ctx, "call-1", FieldStatus, string(CallEnded)))

		require.Eventually(t, func() bool {
			lock.Lock()
			defer lock.Unlock()
			return len(got) == 4
		}, time.Second, 5*time.Millisecond)
		lock.Lock()
		require.Equal(t, []string{
			string(CallRinging), string(CallAccepted), string(CallActive), string(CallEnded),
		}, got)
		lock.Unlock()
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		var (
			lock  sync.Mutex
			count int
		)
		unsub := store.Watch("call-1", FieldAnswer, func(string) {
			lock.Lock()
			count++
			lock.Unlock()
		})

		require.NoError(t, store.Set(ctx, "call-1", FieldAnswer, "sdp-answer"))
		require.Eventually(t, func() bool {
			lock.Lock()
			defer lock.Unlock()
			return count == 1
		}, time.Second, 5*time.Millisecond)

		unsub()
		unsub() // double unsubscribe is safe

		require.NoError(t, store.Set(ctx, "call-1", FieldAnswer, "sdp-answer-2"))
		time.Sleep(20 * time.Millisecond)
		lock.Lock()
		require.Equal(t, 1, count)
		lock.Unlock()
	})

	t.Run("unknown call is a no-op watch", func(t *testing.T) {
		unsub := store.Watch("no-such-call", FieldStatus, func(string) {
			t.Error("unexpected delivery")
		})
		unsub()
	})
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateRecord(ctx, newRingingRecord("call-1", "alice", "bob")))
	require.NoError(t, store.CreateRecord(ctx, newRingingRecord("call-2", "carol", "bob")))
	require.NoError(t, store.CreateRecord(ctx, newRingingRecord("call-3", "alice", "carol")))

	recs, err := store.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	recs, err = store.List(ctx, func(rec *CallRecord) bool { return rec.Callee == "bob" })
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// listed records are copies, mutations never reach the store
	recs[0].Status = CallEnded
	v, err := store.ReadOnce(ctx, recs[0].CallID, FieldStatus)
	require.NoError(t, err)
	require.Equal(t, string(CallRinging), v)
}

package callsdk

import (
	"context"
	"sync"
)

const watchQueueDepth = 32

// MemoryStore is an in-process SignalStore. It backs unit tests and
// same-process demos; deployments use RedisStore.
type MemoryStore struct {
	lock    sync.Mutex
	records map[string]*memoryRecord
}

type memoryRecord struct {
	rec      *CallRecord
	nextID   int
	watchers map[string][]*memoryWatcher
}

// memoryWatcher delivers values on its own goroutine so store writes
// never block on, or deadlock with, a consumer that re-enters the store.
// The replay snapshot is handed over at construction, under the store
// lock, and drained before anything from the queue: a write racing with
// watch registration lands in the queue and is observed after the
// replay, keeping the replay-then-changes order.
type memoryWatcher struct {
	id    int
	queue chan string
	done  chan struct{}
	once  sync.Once
}

func newMemoryWatcher(id int, replay []string, fn func(string)) *memoryWatcher {
	w := &memoryWatcher{
		id:    id,
		queue: make(chan string, watchQueueDepth),
		done:  make(chan struct{}),
	}
	go func() {
		for _, v := range replay {
			select {
			case <-w.done:
				return
			default:
			}
			fn(v)
		}
		for {
			select {
			case v := <-w.queue:
				fn(v)
			case <-w.done:
				return
			}
		}
	}()
	return w
}

func (w *memoryWatcher) send(value string) {
	select {
	case w.queue <- value:
	case <-w.done:
	}
}

func (w *memoryWatcher) close() {
	w.once.Do(func() { close(w.done) })
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

func (s *MemoryStore) CreateRecord(_ context.Context, rec *CallRecord) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.records[rec.CallID]; ok {
		return ErrRecordExists
	}
	cp := *rec
	s.records[rec.CallID] = &memoryRecord{
		rec:      &cp,
		watchers: make(map[string][]*memoryWatcher),
	}
	return nil
}

func (s *MemoryStore) Set(_ context.Context, callID, field, value string) error {
	s.lock.Lock()
	mr, ok := s.records[callID]
	if !ok {
		s.lock.Unlock()
		return ErrRecordNotFound
	}
	if err := setRecordField(mr.rec, field, value); err != nil {
		s.lock.Unlock()
		return err
	}
	watchers := append([]*memoryWatcher(nil), mr.watchers[field]...)
	s.lock.Unlock()

	for _, w := range watchers {
		w.send(value)
	}
	return nil
}

func (s *MemoryStore) Push(_ context.Context, callID, field, value string) error {
	s.lock.Lock()
	mr, ok := s.records[callID]
	if !ok {
		s.lock.Unlock()
		return ErrRecordNotFound
	}
	if err := appendRecordList(mr.rec, field, value); err != nil {
		s.lock.Unlock()
		return err
	}
	watchers := append([]*memoryWatcher(nil), mr.watchers[field]...)
	s.lock.Unlock()

	for _, w := range watchers {
		w.send(value)
	}
	return nil
}

func (s *MemoryStore) ReadOnce(_ context.Context, callID, field string) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	mr, ok := s.records[callID]
	if !ok {
		return "", ErrRecordNotFound
	}
	return recordField(mr.rec, field)
}

func (s *MemoryStore) Watch(callID, field string, fn func(value string)) Unsubscribe {
	s.lock.Lock()
	mr, ok := s.records[callID]
	if !ok {
		s.lock.Unlock()
		return func() {}
	}

	// snapshot what is already there; the watcher replays it ahead of
	// any later write
	var replay []string
	if vals, err := recordList(mr.rec, field); err == nil {
		replay = append(replay, vals...)
	} else if v, err := recordField(mr.rec, field); err == nil && v != "" {
		replay = append(replay, v)
	}

	w := newMemoryWatcher(mr.nextID, replay, fn)
	mr.nextID++
	mr.watchers[field] = append(mr.watchers[field], w)
	s.lock.Unlock()

	return func() {
		s.lock.Lock()
		if mr, ok := s.records[callID]; ok {
			ws := mr.watchers[field]
			for i, cand := range ws {
				if cand.id == w.id {
					mr.watchers[field] = append(ws[:i], ws[i+1:]...)
					break
				}
			}
		}
		s.lock.Unlock()
		w.close()
	}
}

func (s *MemoryStore) List(_ context.Context, filter func(*CallRecord) bool) ([]*CallRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var out []*CallRecord
	for _, mr := range s.records {
		cp := *mr.rec
		cp.CallerCandidates = append([]string(nil), mr.rec.CallerCandidates...)
		cp.CalleeCandidates = append([]string(nil), mr.rec.CalleeCandidates...)
		if filter == nil || filter(&cp) {
			out = append(out, &cp)
		}
	}
	return out, nil
}

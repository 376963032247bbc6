package callsdk

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "call:"

// RedisStore is a SignalStore over Redis: scalar record fields live in a
// hash, candidate lanes in lists (RPUSH keeps append order), and watch
// delivery rides pub/sub, which is in-order, at-least-once per
// subscription once combined with the replay pass.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func recordKey(callID string) string      { return redisKeyPrefix + callID }
func listKey(callID, field string) string { return redisKeyPrefix + callID + ":" + field }
func eventChannel(callID, field string) string {
	return redisKeyPrefix + callID + ":events:" + field
}

func (s *RedisStore) CreateRecord(ctx context.Context, rec *CallRecord) error {
	created, err := s.rdb.HSetNX(ctx, recordKey(rec.CallID), "callId", rec.CallID).Result()
	if err != nil {
		return err
	}
	if !created {
		return ErrRecordExists
	}

	fields := map[string]interface{}{
		"caller":    rec.Caller,
		"callee":    rec.Callee,
		"type":      string(rec.Type),
		FieldStatus: string(rec.Status),
		"createdAt": rec.CreatedAt.Format(time.RFC3339Nano),
	}
	if rec.Offer != "" {
		fields[FieldOffer] = rec.Offer
	}
	if len(rec.Participants) > 0 {
		data, err := json.Marshal(rec.Participants)
		if err != nil {
			return err
		}
		fields["participants"] = string(data)
	}
	return s.rdb.HSet(ctx, recordKey(rec.CallID), fields).Err()
}

func (s *RedisStore) Set(ctx context.Context, callID, field, value string) error {
	exists, err := s.rdb.Exists(ctx, recordKey(callID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrRecordNotFound
	}
	if err := s.rdb.HSet(ctx, recordKey(callID), field, value).Err(); err != nil {
		return err
	}
	return s.rdb.Publish(ctx, eventChannel(callID, field), value).Err()
}

func (s *RedisStore) Push(ctx context.Context, callID, field, value string) error {
	if _, err := recordList(&CallRecord{}, field); err != nil {
		return err
	}
	if err := s.rdb.RPush(ctx, listKey(callID, field), value).Err(); err != nil {
		return err
	}
	return s.rdb.Publish(ctx, eventChannel(callID, field), value).Err()
}

func (s *RedisStore) ReadOnce(ctx context.Context, callID, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, recordKey(callID), field).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (s *RedisStore) Watch(callID, field string, fn func(value string)) Unsubscribe {
	ctx, cancel := context.WithCancel(context.Background())
	ps := s.rdb.Subscribe(ctx, eventChannel(callID, field))

	go func() {
		// Subscribe is confirmed before the replay read, so anything
		// written in between arrives twice rather than never.
		if _, err := ps.Receive(ctx); err != nil {
			if ctx.Err() == nil {
				logger.Error(err, "signal watch subscribe failed", "callID", callID, "field", field)
			}
			return
		}

		if _, listErr := recordList(&CallRecord{}, field); listErr == nil {
			vals, err := s.rdb.LRange(ctx, listKey(callID, field), 0, -1).Result()
			if err == nil {
				for _, v := range vals {
					fn(v)
				}
			}
		} else {
			v, err := s.rdb.HGet(ctx, recordKey(callID), field).Result()
			if err == nil && v != "" {
				fn(v)
			}
		}

		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			fn(msg.Payload)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
		})
	}
}

func (s *RedisStore) List(ctx context.Context, filter func(*CallRecord) bool) ([]*CallRecord, error) {
	var out []*CallRecord
	iter := s.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// skip candidate lists and event channels
		if strings.Count(key, ":") != 1 {
			continue
		}
		rec, err := s.loadRecord(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		if filter == nil || filter(rec) {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) loadRecord(ctx context.Context, key string) (*CallRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &CallRecord{
		CallID: fields["callId"],
		Caller: fields["caller"],
		Callee: fields["callee"],
		Type:   CallType(fields["type"]),
		Status: CallStatus(fields[FieldStatus]),
		Offer:  fields[FieldOffer],
		Answer: fields[FieldAnswer],
	}
	if v := fields["createdAt"]; v != "" {
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields[FieldEndedAt]; v != "" {
		rec.EndedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields["participants"]; v != "" {
		if err := json.Unmarshal([]byte(v), &rec.Participants); err != nil {
			return nil, err
		}
	}

	for _, lane := range []string{FieldCallerCandidates, FieldCalleeCandidates} {
		vals, err := s.rdb.LRange(ctx, listKey(rec.CallID, lane), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		_ = appendRecordListAll(rec, lane, vals)
	}
	return rec, nil
}

func appendRecordListAll(rec *CallRecord, field string, values []string) error {
	for _, v := range values {
		if err := appendRecordList(rec, field, v); err != nil {
			return err
		}
	}
	return nil
}

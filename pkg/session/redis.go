package session

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// casRetries bounds optimistic WATCH/MULTI retries on contended keys
const casRetries = 5

// RedisStore implements Store on Redis. The session record lives at
// sess:{id} as JSON, the event log at sess:{id}:events as a sorted set
// scored by seq. The two keys carry independent TTLs. Updates are
// published on session:{id} and the global channel.
type RedisStore struct {
	client *redis.Client
	cfg    config.SessionConfig
}

// NewRedisStore connects to addr and returns the store
func NewRedisStore(addr string, cfg config.SessionConfig) (*RedisStore, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.GraceTTL <= 0 {
		cfg.GraceTTL = 5 * time.Minute
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, "redis ping failed", err)
	}
	return &RedisStore{client: client, cfg: cfg}, nil
}

func sessionKey(id string) string { return "sess:" + id }
func eventsKey(id string) string  { return "sess:" + id + ":events" }

func (s *RedisStore) CreateSession(ctx context.Context, sessionID, agentID string, opts CreateOptions) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	now := time.Now()
	meta := opts.Metadata
	if len(opts.InitialEntityIDs) > 0 {
		if meta == nil {
			meta = make(map[string]interface{})
		}
		meta["initial_entity_ids"] = opts.InitialEntityIDs
	}
	raw, err := json.Marshal(types.Session{
		SessionID: sessionID,
		AgentIDs:  []string{agentID},
		State:     types.SessionWorking,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "marshal session", err)
	}
	ok, err := s.client.SetNX(ctx, sessionKey(sessionID), raw, ttl).Result()
	if err != nil {
		return errs.Wrap(errs.CodeUnavailable, "redis setnx", err)
	}
	if !ok {
		return errs.Newf(errs.CodeSessionExists, "session %s already exists", sessionID)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, errs.Newf(errs.CodeSessionNotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, "redis get", err)
	}
	var sess types.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "unmarshal session", err)
	}
	return &sess, nil
}

func (s *RedisStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return false, errs.Wrap(errs.CodeUnavailable, "redis exists", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(sessionID), eventsKey(sessionID)).Err(); err != nil {
		return errs.Wrap(errs.CodeUnavailable, "redis del", err)
	}
	return nil
}

// AddEvent is a CAS append: inside WATCH on both keys it verifies the
// event's seq is exactly lastSeq+1, then atomically appends, updates the
// denormalized state, and refreshes both TTLs.
func (s *RedisStore) AddEvent(ctx context.Context, sessionID string, event types.SessionEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, sessionKey(sessionID)).Result()
		if err == redis.Nil {
			return errs.Newf(errs.CodeSessionNotFound, "session %s not found", sessionID)
		}
		if err != nil {
			return err
		}
		var sess types.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return errs.Wrap(errs.CodeInternal, "unmarshal session", err)
		}

		last, err := s.lastSeqTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		switch {
		case event.Seq <= last:
			return errs.Newf(errs.CodeSequenceReplay, "seq %d already appended (last %d)", event.Seq, last)
		case event.Seq != last+1:
			return errs.Newf(errs.CodeSequenceGap, "seq %d would leave a gap (last %d)", event.Seq, last)
		}

		if event.StateTransition != nil {
			sess.State = event.StateTransition.To
		}
		sess.UpdatedAt = time.Now()
		updated, err := json.Marshal(sess)
		if err != nil {
			return errs.Wrap(errs.CodeInternal, "marshal session", err)
		}
		evRaw, err := json.Marshal(event)
		if err != nil {
			return errs.Wrap(errs.CodeInternal, "marshal event", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, eventsKey(sessionID), redis.Z{Score: float64(event.Seq), Member: evRaw})
			pipe.Set(ctx, sessionKey(sessionID), updated, s.cfg.DefaultTTL)
			pipe.Expire(ctx, eventsKey(sessionID), s.cfg.DefaultTTL)
			if max := s.cfg.MaxEventsPerSession; max > 0 {
				pipe.ZRemRangeByRank(ctx, eventsKey(sessionID), 0, int64(-max-1))
			}
			return nil
		})
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txn, sessionKey(sessionID), eventsKey(sessionID))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if _, ok := err.(*errs.Error); ok {
				return err
			}
			return errs.Wrap(errs.CodeUnavailable, "redis append", err)
		}
		return nil
	}
	return errs.Newf(errs.CodeUnavailable, "append to session %s kept conflicting", sessionID)
}

func (s *RedisStore) lastSeqTx(ctx context.Context, tx *redis.Tx, sessionID string) (int, error) {
	zs, err := tx.ZRevRangeWithScores(ctx, eventsKey(sessionID), 0, 0).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	if len(zs) == 0 {
		return 0, nil
	}
	return int(zs[0].Score), nil
}

func (s *RedisStore) GetEvents(ctx context.Context, sessionID string, fromSeq, toSeq int) ([]types.SessionEvent, error) {
	max := "+inf"
	if toSeq > 0 {
		max = strconv.Itoa(toSeq)
	}
	raws, err := s.client.ZRangeByScore(ctx, eventsKey(sessionID), &redis.ZRangeBy{
		Min: strconv.Itoa(fromSeq),
		Max: max,
	}).Result()
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, "redis zrangebyscore", err)
	}
	return decodeEvents(raws)
}

func (s *RedisStore) GetRecentEvents(ctx context.Context, sessionID string, n int) ([]types.SessionEvent, error) {
	raws, err := s.client.ZRange(ctx, eventsKey(sessionID), int64(-n), -1).Result()
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, "redis zrange", err)
	}
	return decodeEvents(raws)
}

func decodeEvents(raws []string) ([]types.SessionEvent, error) {
	out := make([]types.SessionEvent, 0, len(raws))
	for _, raw := range raws {
		var ev types.SessionEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, "unmarshal event", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) LastSeq(ctx context.Context, sessionID string) (int, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, eventsKey(sessionID), 0, 0).Result()
	if err != nil && err != redis.Nil {
		return 0, errs.Wrap(errs.CodeUnavailable, "redis zrevrange", err)
	}
	if len(zs) == 0 {
		return 0, nil
	}
	return int(zs[0].Score), nil
}

// mutateSession applies fn to the session record under WATCH
func (s *RedisStore) mutateSession(ctx context.Context, sessionID string, fn func(*types.Session) error, after func(pipe redis.Pipeliner)) error {
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, sessionKey(sessionID)).Result()
		if err == redis.Nil {
			return errs.Newf(errs.CodeSessionNotFound, "session %s not found", sessionID)
		}
		if err != nil {
			return err
		}
		var sess types.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return errs.Wrap(errs.CodeInternal, "unmarshal session", err)
		}
		if err := fn(&sess); err != nil {
			return err
		}
		sess.UpdatedAt = time.Now()
		updated, err := json.Marshal(sess)
		if err != nil {
			return errs.Wrap(errs.CodeInternal, "marshal session", err)
		}
		ttl, err := tx.TTL(ctx, sessionKey(sessionID)).Result()
		if err != nil || ttl <= 0 {
			ttl = s.cfg.DefaultTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(sessionID), updated, ttl)
			if after != nil {
				after(pipe)
			}
			return nil
		})
		return err
	}
	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txn, sessionKey(sessionID))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if _, ok := err.(*errs.Error); ok {
				return err
			}
			return errs.Wrap(errs.CodeUnavailable, "redis session update", err)
		}
		return nil
	}
	return errs.Newf(errs.CodeUnavailable, "session %s update kept conflicting", sessionID)
}

func (s *RedisStore) AddAgent(ctx context.Context, sessionID, agentID string) error {
	return s.mutateSession(ctx, sessionID, func(sess *types.Session) error {
		for _, a := range sess.AgentIDs {
			if a == agentID {
				return nil
			}
		}
		sess.AgentIDs = append(sess.AgentIDs, agentID)
		return nil
	}, nil)
}

// RemoveAgent shrinks the roster; when the last agent leaves, the grace
// TTL lands on session and event log in the same MULTI block.
func (s *RedisStore) RemoveAgent(ctx context.Context, sessionID, agentID string) error {
	lastLeft := false
	err := s.mutateSession(ctx, sessionID, func(sess *types.Session) error {
		agents := sess.AgentIDs[:0]
		for _, a := range sess.AgentIDs {
			if a != agentID {
				agents = append(agents, a)
			}
		}
		sess.AgentIDs = agents
		lastLeft = len(agents) == 0
		return nil
	}, func(pipe redis.Pipeliner) {
		if lastLeft {
			pipe.Expire(ctx, sessionKey(sessionID), s.cfg.GraceTTL)
			pipe.Expire(ctx, eventsKey(sessionID), s.cfg.GraceTTL)
		}
	})
	return err
}

func (s *RedisStore) SetTTL(ctx context.Context, sessionID string, ttl time.Duration) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, sessionKey(sessionID), ttl)
	pipe.Expire(ctx, eventsKey(sessionID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.CodeUnavailable, "redis expire", err)
	}
	return nil
}

func (s *RedisStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, "sess:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":events") {
			continue
		}
		ids = append(ids, strings.TrimPrefix(key, "sess:"))
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, "redis scan", err)
	}
	return ids, nil
}

func (s *RedisStore) PublishSessionUpdate(ctx context.Context, channel string, update Update) error {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}
	raw, err := json.Marshal(update)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "marshal update", err)
	}
	pipe := s.client.Pipeline()
	pipe.Publish(ctx, channel, raw)
	if channel != GlobalChannel {
		pipe.Publish(ctx, GlobalChannel, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.CodeUnavailable, "redis publish", err)
	}
	return nil
}

func (s *RedisStore) SubscribeToSession(ctx context.Context, sessionID string, cb func(Update)) (Unsubscribe, error) {
	sub := s.client.Subscribe(ctx, ChannelFor(sessionID))
	if _, err := sub.Receive(ctx); err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, "redis subscribe", err)
	}
	logger := log.WithSessionID(sessionID)
	go func() {
		for msg := range sub.Channel() {
			var update Update
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				logger.Warn().Err(err).Msg("dropping malformed session update")
				continue
			}
			cb(update)
		}
	}()
	return func() { _ = sub.Close() }, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

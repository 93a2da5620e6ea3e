package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// memorySession pairs the session record with its expiry bookkeeping.
// Session and event log carry independent TTLs, mirroring the Redis
// backend where they are separate keys.
type memorySession struct {
	session      types.Session
	events       []types.SessionEvent
	expiresAt    time.Time
	logExpiresAt time.Time
}

// MemoryStore is the in-process Store used in tests and single-node runs
type MemoryStore struct {
	cfg config.SessionConfig

	mu       sync.Mutex
	sessions map[string]*memorySession
	subs     map[string]map[int]func(Update)
	nextSub  int
	closed   bool
}

// NewMemoryStore creates an empty in-memory session store
func NewMemoryStore(cfg config.SessionConfig) *MemoryStore {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.GraceTTL <= 0 {
		cfg.GraceTTL = 5 * time.Minute
	}
	return &MemoryStore{
		cfg:      cfg,
		sessions: make(map[string]*memorySession),
		subs:     make(map[string]map[int]func(Update)),
	}
}

// live returns the session record, treating expired entries as absent
func (s *MemoryStore) live(sessionID string) *memorySession {
	ms, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if !ms.expiresAt.IsZero() && time.Now().After(ms.expiresAt) {
		delete(s.sessions, sessionID)
		return nil
	}
	return ms
}

func (s *MemoryStore) CreateSession(ctx context.Context, sessionID, agentID string, opts CreateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(sessionID) != nil {
		return errs.Newf(errs.CodeSessionExists, "session %s already exists", sessionID)
	}
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
	s.sessions[sessionID] = &memorySession{
		session: types.Session{
			SessionID: sessionID,
			AgentIDs:  []string{agentID},
			State:     types.SessionWorking,
			Metadata:  meta,
			CreatedAt: now,
			UpdatedAt: now,
		},
		expiresAt:    now.Add(ttl),
		logExpiresAt: now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.live(sessionID)
	if ms == nil {
		return nil, errs.Newf(errs.CodeSessionNotFound, "session %s not found", sessionID)
	}
	out := ms.session
	out.AgentIDs = append([]string(nil), ms.session.AgentIDs...)
	return &out, nil
}

func (s *MemoryStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(sessionID) != nil, nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) AddEvent(ctx context.Context, sessionID string, event types.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.live(sessionID)
	if ms == nil {
		return errs.Newf(errs.CodeSessionNotFound, "session %s not found", sessionID)
	}
	last := 0
	if n := len(ms.events); n > 0 {
		last = ms.events[n-1].Seq
	}
	switch {
	case event.Seq <= last:
		return errs.Newf(errs.CodeSequenceReplay, "seq %d already appended (last %d)", event.Seq, last)
	case event.Seq != last+1:
		return errs.Newf(errs.CodeSequenceGap, "seq %d would leave a gap (last %d)", event.Seq, last)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	ms.events = append(ms.events, event)
	if max := s.cfg.MaxEventsPerSession; max > 0 && len(ms.events) > max {
		ms.events = ms.events[len(ms.events)-max:]
	}
	if event.StateTransition != nil {
		ms.session.State = event.StateTransition.To
	}
	now := time.Now()
	ms.session.UpdatedAt = now
	ms.expiresAt = now.Add(s.cfg.DefaultTTL)
	ms.logExpiresAt = now.Add(s.cfg.DefaultTTL)
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, sessionID string, fromSeq, toSeq int) ([]types.SessionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.live(sessionID)
	if ms == nil {
		return nil, errs.Newf(errs.CodeSessionNotFound, "session %s not found", sessionID)
	}
	var out []types.SessionEvent
	for _, ev := range ms.events {
		if ev.Seq >= fromSeq && (toSeq <= 0 || ev.Seq <= toSeq) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetRecentEvents(ctx context.Context, sessionID string, n int) ([]types.SessionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.live(sessionID)
	if ms == nil {
		return nil, errs.Newf(errs.CodeSessionNotFound, "session %s not found", sessionID)
	}
	events := ms.events
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return append([]types.SessionEvent(nil), events...), nil
}

func (s *MemoryStore) LastSeq(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.live(sessionID)
	if ms == nil {
		return 0, errs.Newf(errs.CodeSessionNotFound, "session %s not found", sessionID)
	}
	if n := len(ms.events); n > 0 {
		return ms.events[n-1].Seq, nil
	}
	return 0, nil
}

func (s *MemoryStore) AddAgent(ctx context.Context, sessionID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.live(sessionID)
	if ms == nil {
		return errs.Newf(errs.CodeSessionNotFound, "session %s not found", sessionID)
	}
	for _, a := range ms.session.AgentIDs {
		if a == agentID {
			return nil
		}
	}
	ms.session.AgentIDs = append(ms.session.AgentIDs, agentID)
	ms.session.UpdatedAt = time.Now()
	return nil
}

// RemoveAgent drops the agent; when the last one leaves, both session and
// event-log TTLs collapse to the grace TTL in the same critical section.
func (s *MemoryStore) RemoveAgent(ctx context.Context, sessionID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.live(sessionID)
	if ms == nil {
		return errs.Newf(errs.CodeSessionNotFound, "session %s not found", sessionID)
	}
	agents := ms.session.AgentIDs[:0]
	for _, a := range ms.session.AgentIDs {
		if a != agentID {
			agents = append(agents, a)
		}
	}
	ms.session.AgentIDs = agents
	ms.session.UpdatedAt = time.Now()
	if len(agents) == 0 {
		grace := time.Now().Add(s.cfg.GraceTTL)
		ms.expiresAt = grace
		ms.logExpiresAt = grace
	}
	return nil
}

func (s *MemoryStore) SetTTL(ctx context.Context, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.live(sessionID)
	if ms == nil {
		return errs.Newf(errs.CodeSessionNotFound, "session %s not found", sessionID)
	}
	deadline := time.Now().Add(ttl)
	ms.expiresAt = deadline
	ms.logExpiresAt = deadline
	return nil
}

func (s *MemoryStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		if s.live(id) != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// PublishSessionUpdate delivers to channel subscribers synchronously but
// never blocks on a slow consumer: callbacks run on the caller's goroutine
// and are expected to be cheap.
func (s *MemoryStore) PublishSessionUpdate(ctx context.Context, channel string, update Update) error {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}
	s.mu.Lock()
	var cbs []func(Update)
	for _, cb := range s.subs[channel] {
		cbs = append(cbs, cb)
	}
	for _, cb := range s.subs[GlobalChannel] {
		if channel != GlobalChannel {
			cbs = append(cbs, cb)
		}
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(update)
	}
	return nil
}

func (s *MemoryStore) SubscribeToSession(ctx context.Context, sessionID string, cb func(Update)) (Unsubscribe, error) {
	channel := ChannelFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[int]func(Update))
	}
	s.nextSub++
	id := s.nextSub
	s.subs[channel][id] = cb
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[channel], id)
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subs = make(map[string]map[int]func(Update))
	return nil
}

// TTLRemaining exposes both TTLs for assertions; not part of Store
func (s *MemoryStore) TTLRemaining(sessionID string) (session, log time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[sessionID]
	if !ok {
		return 0, 0
	}
	now := time.Now()
	return ms.expiresAt.Sub(now), ms.logExpiresAt.Sub(now)
}

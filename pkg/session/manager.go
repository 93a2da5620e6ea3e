package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// CheckpointSubmitter accepts checkpoint jobs for asynchronous execution.
// onDone fires once the job reaches a terminal state; checkpointID is
// empty on failure.
type CheckpointSubmitter interface {
	Submit(ctx context.Context, payload types.CheckpointPayload, onDone func(checkpointID string, err error)) (jobID string, err error)
}

// counter tracks the per-session sequence state within this process.
// The store remains the authority: a stale counter is detected on append
// and re-primed.
type counter struct {
	mu        sync.Mutex
	primed    bool
	seq       int
	sinceCkpt int
}

// Manager is the write-side session API layered on a Store. It assigns
// monotonic per-session sequence numbers, fans out updates over pub/sub,
// and triggers auto-checkpoints every CheckpointInterval events.
type Manager struct {
	store     Store
	cfg       config.SessionConfig
	submitter CheckpointSubmitter // nil disables checkpointing

	mu       sync.Mutex
	counters map[string]*counter
	closed   bool
}

// NewManager creates a session manager over store. submitter may be nil
// when checkpoint jobs are not wired (degraded but valid).
func NewManager(store Store, cfg config.SessionConfig, submitter CheckpointSubmitter) *Manager {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 10
	}
	if cfg.GraceTTL <= 0 {
		cfg.GraceTTL = 5 * time.Minute
	}
	return &Manager{
		store:     store,
		cfg:       cfg,
		submitter: submitter,
		counters:  make(map[string]*counter),
	}
}

func (m *Manager) counterFor(sessionID string) *counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[sessionID]
	if !ok {
		c = &counter{}
		m.counters[sessionID] = c
	}
	return c
}

// CreateSession opens a new session for agentID and returns its id
func (m *Manager) CreateSession(ctx context.Context, agentID string, opts CreateOptions) (string, error) {
	sessionID := "session_" + uuid.NewString()
	if err := m.store.CreateSession(ctx, sessionID, agentID, opts); err != nil {
		return "", err
	}
	metrics.SessionsActive.Inc()
	m.publish(ctx, sessionID, Update{SessionID: sessionID, Kind: "created"})
	log.WithSessionID(sessionID).Info().Str("agent_id", agentID).Msg("session created")
	return sessionID, nil
}

// JoinSession adds agentID to an existing session
func (m *Manager) JoinSession(ctx context.Context, sessionID, agentID string) error {
	if err := m.store.AddAgent(ctx, sessionID, agentID); err != nil {
		return err
	}
	m.publish(ctx, sessionID, Update{SessionID: sessionID, Kind: "agent_joined", Payload: agentID})
	return nil
}

// LeaveSession removes agentID; the store collapses TTLs to the grace
// window when the roster empties.
func (m *Manager) LeaveSession(ctx context.Context, sessionID, agentID string) error {
	if err := m.store.RemoveAgent(ctx, sessionID, agentID); err != nil {
		return err
	}
	m.publish(ctx, sessionID, Update{SessionID: sessionID, Kind: "agent_left", Payload: agentID})
	return nil
}

// EmitEvent assigns the next sequence number and appends the event. Safe
// for concurrent callers: allocation is atomic per session, and a counter
// that has drifted from the store (another process appended) is re-primed
// once before giving up.
func (m *Manager) EmitEvent(ctx context.Context, sessionID string, event types.SessionEvent) (int, error) {
	c := m.counterFor(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.primed {
		last, err := m.store.LastSeq(ctx, sessionID)
		if err != nil {
			return 0, err
		}
		c.seq = last
		c.primed = true
	}

	event.Seq = c.seq + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	err := m.store.AddEvent(ctx, sessionID, event)
	if errs.Is(err, errs.CodeSequenceReplay) || errs.Is(err, errs.CodeSequenceGap) {
		last, primeErr := m.store.LastSeq(ctx, sessionID)
		if primeErr != nil {
			return 0, primeErr
		}
		c.seq = last
		event.Seq = last + 1
		err = m.store.AddEvent(ctx, sessionID, event)
	}
	if err != nil {
		return 0, err
	}
	c.seq = event.Seq
	c.sinceCkpt++
	metrics.SessionEvents.WithLabelValues(string(event.Type)).Inc()

	m.publish(ctx, sessionID, Update{
		SessionID: sessionID,
		Kind:      "event",
		Seq:       event.Seq,
		Payload:   event,
	})

	if m.submitter != nil && c.sinceCkpt >= m.cfg.CheckpointInterval {
		c.sinceCkpt = 0
		if _, err := m.checkpointLocked(ctx, sessionID); err != nil {
			// Checkpoint trouble never fails the emit path.
			log.WithSessionID(sessionID).Warn().Err(err).Msg("auto-checkpoint submission failed")
		}
	}
	return event.Seq, nil
}

// Checkpoint snapshots recent events into a checkpoint job and hands it
// to the runner. The session TTL drops to the grace window so observers
// can finish reading while the job materializes.
func (m *Manager) Checkpoint(ctx context.Context, sessionID string) (string, error) {
	c := m.counterFor(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinceCkpt = 0
	return m.checkpointLocked(ctx, sessionID)
}

func (m *Manager) checkpointLocked(ctx context.Context, sessionID string) (string, error) {
	if m.submitter == nil {
		return "", errs.New(errs.CodeUnavailable, "checkpoint runner not configured")
	}
	events, err := m.store.GetRecentEvents(ctx, sessionID, m.cfg.CheckpointInterval)
	if err != nil {
		return "", err
	}
	seeds := seedEntityIDs(events)

	jobID, err := m.submitter.Submit(ctx, types.CheckpointPayload{
		SessionID:     sessionID,
		SeedEntityIDs: seeds,
		Reason:        types.CheckpointManual,
		HopCount:      2,
	}, func(checkpointID string, jobErr error) {
		if jobErr != nil {
			log.WithSessionID(sessionID).Warn().Err(jobErr).Msg("checkpoint job failed")
			return
		}
		m.publish(context.Background(), sessionID, Update{
			SessionID: sessionID,
			Kind:      "checkpoint_complete",
			Payload:   checkpointID,
		})
	})
	if err != nil {
		return "", err
	}
	if err := m.store.SetTTL(ctx, sessionID, m.cfg.GraceTTL); err != nil {
		log.WithSessionID(sessionID).Warn().Err(err).Msg("grace ttl not applied")
	}
	return jobID, nil
}

func seedEntityIDs(events []types.SessionEvent) []string {
	seen := make(map[string]struct{})
	var seeds []string
	for _, ev := range events {
		for _, id := range ev.ChangeInfo.EntityIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			seeds = append(seeds, id)
		}
	}
	return seeds
}

// GetSession returns the session record
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// GetRecentEvents returns the newest n events of the session
func (m *Manager) GetRecentEvents(ctx context.Context, sessionID string, n int) ([]types.SessionEvent, error) {
	return m.store.GetRecentEvents(ctx, sessionID, n)
}

// GetSessionsByAgent lists sessions the agent currently participates in
func (m *Manager) GetSessionsByAgent(ctx context.Context, agentID string) ([]*types.Session, error) {
	ids, err := m.store.ListSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.Session
	for _, id := range ids {
		sess, err := m.store.GetSession(ctx, id)
		if err != nil {
			continue // expired between list and get
		}
		for _, a := range sess.AgentIDs {
			if a == agentID {
				out = append(out, sess)
				break
			}
		}
	}
	return out, nil
}

// ListActiveSessions lists every live session id
func (m *Manager) ListActiveSessions(ctx context.Context) ([]string, error) {
	return m.store.ListSessionIDs(ctx)
}

// PerformMaintenance drops sequence counters for sessions that no longer
// exist and reports how many were pruned.
func (m *Manager) PerformMaintenance(ctx context.Context) (int, error) {
	ids, err := m.store.ListSessionIDs(ctx)
	if err != nil {
		return 0, err
	}
	alive := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		alive[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id := range m.counters {
		if _, ok := alive[id]; !ok {
			delete(m.counters, id)
			pruned++
		}
	}
	metrics.SessionsActive.Set(float64(len(ids)))
	return pruned, nil
}

// HealthCheck probes the store
func (m *Manager) HealthCheck(ctx context.Context) error {
	_, err := m.store.Exists(ctx, "healthcheck-probe")
	return err
}

// Close releases the manager's in-process state. The store is owned by
// the caller and closed separately.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.counters = make(map[string]*counter)
	return nil
}

// publish fans out a session update; failures are logged, never surfaced
func (m *Manager) publish(ctx context.Context, sessionID string, update Update) {
	if err := m.store.PublishSessionUpdate(ctx, ChannelFor(sessionID), update); err != nil {
		log.WithSessionID(sessionID).Debug().Err(err).Msg("session update not published")
	}
}

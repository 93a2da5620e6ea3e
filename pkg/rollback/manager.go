package rollback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/events"
	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// OperationState is the lifecycle state of a rollback operation
type OperationState string

const (
	StatePending    OperationState = "PENDING"
	StateInProgress OperationState = "IN_PROGRESS"
	StateCompleted  OperationState = "COMPLETED"
	StateFailed     OperationState = "FAILED"
	StateCancelled  OperationState = "CANCELLED"
)

// Operation tracks one rollback execution. Strategy, resolution choice,
// and dry-run flag are fixed at initiation and survive retries.
type Operation struct {
	ID      string
	PointID string
	Options Options

	mu         sync.Mutex
	state      OperationState
	progress   int
	logLines   []string
	err        string
	applied    int
	skipped    int
	conflictN  int
	conflicts  []Conflict
	preview    *Preview
	startedAt  time.Time
	finishedAt time.Time

	cancelled atomic.Bool
	done      chan struct{}
}

// Status is a point-in-time copy of an operation's observable state
type Status struct {
	ID            string         `json:"id"`
	PointID       string         `json:"point_id"`
	Strategy      StrategyKind   `json:"strategy"`
	DryRun        bool           `json:"dry_run"`
	State         OperationState `json:"state"`
	Progress      int            `json:"progress"`
	Log           []string       `json:"log,omitempty"`
	Error         string         `json:"error,omitempty"`
	Applied       int            `json:"applied"`
	Skipped       int            `json:"skipped"`
	ConflictCount int            `json:"conflict_count"`
	Conflicts     []Conflict     `json:"conflicts,omitempty"`
	Preview       *Preview       `json:"preview,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at,omitempty"`
}

func (o *Operation) snapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		ID:            o.ID,
		PointID:       o.PointID,
		Strategy:      o.Options.Strategy,
		DryRun:        o.Options.DryRun,
		State:         o.state,
		Progress:      o.progress,
		Log:           append([]string(nil), o.logLines...),
		Error:         o.err,
		Applied:       o.applied,
		Skipped:       o.skipped,
		ConflictCount: o.conflictN,
		Conflicts:     append([]Conflict(nil), o.conflicts...),
		Preview:       o.preview,
		StartedAt:     o.startedAt,
		FinishedAt:    o.finishedAt,
	}
}

func (o *Operation) setProgress(p int) {
	o.mu.Lock()
	if p > 100 {
		p = 100
	}
	o.progress = p
	o.mu.Unlock()
}

func (o *Operation) logf(format string, args ...interface{}) {
	o.mu.Lock()
	o.logLines = append(o.logLines, fmt.Sprintf(format, args...))
	o.mu.Unlock()
}

func (o *Operation) setPreview(p *Preview) {
	o.mu.Lock()
	o.preview = p
	o.mu.Unlock()
}

func (o *Operation) setConflicts(c []Conflict) {
	o.mu.Lock()
	o.conflicts = c
	o.mu.Unlock()
}

func (o *Operation) setCounts(applied, skipped, conflicts int) {
	o.mu.Lock()
	o.applied = applied
	o.skipped = skipped
	o.conflictN = conflicts
	o.mu.Unlock()
}

func (o *Operation) isCancelled() bool { return o.cancelled.Load() }

// Manager stores rollback points, generates diffs, and executes
// rollback operations with one active operation per point.
type Manager struct {
	cfg    config.RollbackConfig
	graph  GraphOps
	reader StateReader
	store  PointStore
	broker *events.Broker // nil disables event publication

	mu            sync.Mutex
	ops           map[string]*Operation
	activeByPoint map[string]string // point id -> running operation id

	sweepStop chan struct{}
	sweepOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a rollback manager. reader defaults to a
// query-backed state reader over g; store defaults to in-memory.
func NewManager(cfg config.RollbackConfig, g GraphOps, reader StateReader, store PointStore, broker *events.Broker) *Manager {
	if cfg.MaxRollbackPoints <= 0 {
		cfg.MaxRollbackPoints = 100
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if reader == nil {
		reader = NewQueryStateReader(g)
	}
	if store == nil {
		store = NewMemoryPointStore()
	}
	return &Manager{
		cfg:           cfg,
		graph:         g,
		reader:        reader,
		store:         store,
		broker:        broker,
		ops:           make(map[string]*Operation),
		activeByPoint: make(map[string]string),
		sweepStop:     make(chan struct{}),
	}
}

// CreateRollbackPoint captures the given state under a new point with
// typed snapshots. The oldest point is evicted when the retention cap
// is reached.
func (m *Manager) CreateRollbackPoint(ctx context.Context, name, description, sessionID string, entities []types.Entity, rels []types.Relationship) (*types.RollbackPoint, error) {
	if name == "" {
		return nil, errs.New(errs.CodeValidation, "rollback point requires a name")
	}

	now := time.Now()
	point := types.RollbackPoint{
		ID:            "rbp_" + ulid.Make().String(),
		Name:          name,
		Description:   description,
		Timestamp:     now,
		SessionID:     sessionID,
		ExpiresAt:     now.Add(m.cfg.DefaultTTL),
		Entities:      entities,
		Relationships: rels,
	}

	existing, err := m.store.ListPoints(ctx)
	if err != nil {
		return nil, err
	}
	for len(existing) >= m.cfg.MaxRollbackPoints {
		oldest := existing[0]
		if err := m.store.DeletePoint(ctx, oldest.ID); err != nil {
			return nil, err
		}
		log.WithComponent("rollback").Info().Str("point_id", oldest.ID).Msg("evicted oldest rollback point at retention cap")
		existing = existing[1:]
	}

	if err := m.store.SavePoint(ctx, point); err != nil {
		return nil, err
	}
	if err := m.saveSnapshots(ctx, point); err != nil {
		return nil, err
	}

	metrics.RollbackPoints.Set(float64(len(existing) + 1))
	m.publish(events.EventRollbackCreated, point.ID, map[string]string{"name": name})
	log.WithComponent("rollback").Info().
		Str("point_id", point.ID).
		Int("entities", len(entities)).
		Int("relationships", len(rels)).
		Msg("rollback point created")
	return &point, nil
}

func (m *Manager) saveSnapshots(ctx context.Context, point types.RollbackPoint) error {
	snaps := []types.Snapshot{
		{Type: types.SnapshotEntity, Payload: point.Entities},
		{Type: types.SnapshotRelationship, Payload: point.Relationships},
	}
	if point.SessionID != "" {
		snaps = append(snaps, types.Snapshot{
			Type:    types.SnapshotSessionState,
			Payload: map[string]interface{}{"session_id": point.SessionID},
		})
	}
	for _, snap := range snaps {
		snap.ID = "snap_" + ulid.Make().String()
		snap.RollbackPointID = point.ID
		snap.CreatedAt = point.Timestamp
		if err := m.store.SaveSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// GetRollbackPoint returns a stored point
func (m *Manager) GetRollbackPoint(ctx context.Context, id string) (*types.RollbackPoint, error) {
	return m.store.GetPoint(ctx, id)
}

// ListRollbackPoints returns all stored points, oldest first
func (m *Manager) ListRollbackPoints(ctx context.Context) ([]types.RollbackPoint, error) {
	return m.store.ListPoints(ctx)
}

// ListSnapshots returns the typed snapshots captured under a point
func (m *Manager) ListSnapshots(ctx context.Context, pointID string) ([]types.Snapshot, error) {
	return m.store.ListSnapshots(ctx, pointID)
}

// DeleteRollbackPoint removes a point and all its snapshots
func (m *Manager) DeleteRollbackPoint(ctx context.Context, id string) error {
	m.mu.Lock()
	if opID, busy := m.activeByPoint[id]; busy {
		m.mu.Unlock()
		return errs.Newf(errs.CodeOperationInProgress, "operation %s is running against point %s", opID, id)
	}
	m.mu.Unlock()

	if err := m.store.DeletePoint(ctx, id); err != nil {
		return err
	}
	if points, err := m.store.ListPoints(ctx); err == nil {
		metrics.RollbackPoints.Set(float64(len(points)))
	}
	return nil
}

// GenerateDiff compares a point's captured state to current state
func (m *Manager) GenerateDiff(ctx context.Context, pointID string) ([]types.DiffEntry, error) {
	point, err := m.store.GetPoint(ctx, pointID)
	if err != nil {
		return nil, err
	}
	return GenerateDiff(ctx, point, m.reader)
}

// InitiateRollback starts a rollback operation against a point. Only
// one operation may run per point at a time.
func (m *Manager) InitiateRollback(ctx context.Context, pointID string, opts Options) (string, error) {
	point, err := m.store.GetPoint(ctx, pointID)
	if err != nil {
		return "", err
	}
	if opts.DryRun {
		opts.Strategy = StrategyDryRun
	}
	if opts.Strategy == StrategyDryRun {
		opts.DryRun = true
	}
	strategy, err := strategyFor(opts.Strategy)
	if err != nil {
		return "", err
	}

	op := &Operation{
		ID:      "rbop_" + ulid.Make().String(),
		PointID: pointID,
		Options: opts,
		state:   StatePending,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if runningID, busy := m.activeByPoint[pointID]; busy {
		m.mu.Unlock()
		return "", errs.Newf(errs.CodeOperationInProgress, "operation %s already running against point %s", runningID, pointID)
	}
	m.activeByPoint[pointID] = op.ID
	m.ops[op.ID] = op
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runOperation(op, point, strategy)
	return op.ID, nil
}

func (m *Manager) runOperation(op *Operation, point *types.RollbackPoint, strategy Strategy) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.activeByPoint, op.PointID)
		m.mu.Unlock()
		close(op.done)
	}()

	ctx := context.Background()
	op.mu.Lock()
	op.state = StateInProgress
	op.startedAt = time.Now()
	op.mu.Unlock()
	m.publish(events.EventRollbackStarted, op.PointID, map[string]string{
		"operation_id": op.ID,
		"strategy":     string(op.Options.Strategy),
	})

	err := m.execute(ctx, op, point, strategy)

	op.mu.Lock()
	op.finishedAt = time.Now()
	outcome := StateCompleted
	switch {
	case op.cancelled.Load():
		outcome = StateCancelled
	case err != nil:
		outcome = StateFailed
		op.err = err.Error()
	}
	op.state = outcome
	op.mu.Unlock()

	metrics.RollbackOperations.WithLabelValues(string(op.Options.Strategy), string(outcome)).Inc()
	eventType := events.EventRollbackCompleted
	if outcome != StateCompleted {
		eventType = events.EventRollbackFailed
	}
	m.publish(eventType, op.PointID, map[string]string{
		"operation_id": op.ID,
		"outcome":      string(outcome),
	})
	logger := log.WithComponent("rollback")
	if err != nil {
		logger.Warn().Err(err).Str("operation_id", op.ID).Str("outcome", string(outcome)).Msg("rollback operation finished")
	} else {
		logger.Info().Str("operation_id", op.ID).Str("outcome", string(outcome)).Msg("rollback operation finished")
	}
}

func (m *Manager) execute(ctx context.Context, op *Operation, point *types.RollbackPoint, strategy Strategy) error {
	diff := op.Options.Diff
	if len(diff) == 0 {
		var err error
		diff, err = GenerateDiff(ctx, point, m.reader)
		if err != nil {
			return err
		}
	}
	currentEntities, err := m.reader.Entities(ctx)
	if err != nil {
		return err
	}
	currentRels, err := m.reader.Relationships(ctx)
	if err != nil {
		return err
	}
	current := entityValues(currentEntities)
	for path, v := range relationshipValues(currentRels) {
		current[path] = v
	}

	sc := &strategyContext{
		point:   point,
		diff:    diff,
		current: current,
		opts:    op.Options,
		graph:   m.graph,
		op:      op,
	}
	if err := strategy.Validate(sc); err != nil {
		return err
	}
	op.logf("diff generated: %d entries", len(diff))
	m.publish(events.EventRollbackProgress, op.PointID, map[string]string{
		"operation_id": op.ID,
		"entries":      fmt.Sprintf("%d", len(diff)),
	})
	return strategy.Execute(ctx, sc)
}

// GetOperation returns a snapshot of an operation's state
func (m *Manager) GetOperation(opID string) (Status, error) {
	m.mu.Lock()
	op, ok := m.ops[opID]
	m.mu.Unlock()
	if !ok {
		return Status{}, errs.Newf(errs.CodeRollbackNotFound, "operation %s not found", opID)
	}
	return op.snapshot(), nil
}

// WaitForOperation blocks until the operation reaches a terminal state
func (m *Manager) WaitForOperation(ctx context.Context, opID string) (Status, error) {
	m.mu.Lock()
	op, ok := m.ops[opID]
	m.mu.Unlock()
	if !ok {
		return Status{}, errs.Newf(errs.CodeRollbackNotFound, "operation %s not found", opID)
	}
	select {
	case <-op.done:
		return op.snapshot(), nil
	case <-ctx.Done():
		return Status{}, errs.Wrap(errs.CodeTimeout, "waiting for rollback operation", ctx.Err())
	}
}

// CancelRollback requests cancellation; legal only while IN_PROGRESS
func (m *Manager) CancelRollback(opID string) error {
	m.mu.Lock()
	op, ok := m.ops[opID]
	m.mu.Unlock()
	if !ok {
		return errs.Newf(errs.CodeRollbackNotFound, "operation %s not found", opID)
	}
	op.mu.Lock()
	state := op.state
	op.mu.Unlock()
	if state != StateInProgress {
		return errs.Newf(errs.CodeValidation, "operation %s is %s, only IN_PROGRESS operations can be cancelled", opID, state)
	}
	op.cancelled.Store(true)
	return nil
}

// PerformCleanup removes expired rollback points and their snapshots,
// returning how many were removed.
func (m *Manager) PerformCleanup(ctx context.Context) (int, error) {
	points, err := m.store.ListPoints(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0
	for _, point := range points {
		if point.ExpiresAt.After(now) {
			continue
		}
		m.mu.Lock()
		_, busy := m.activeByPoint[point.ID]
		m.mu.Unlock()
		if busy {
			continue
		}
		if err := m.store.DeletePoint(ctx, point.ID); err != nil {
			log.WithComponent("rollback").Warn().Err(err).Str("point_id", point.ID).Msg("expired point not removed")
			continue
		}
		removed++
	}

	if removed > 0 {
		metrics.RollbackPointsExpired.Add(float64(removed))
		if remaining, err := m.store.ListPoints(ctx); err == nil {
			metrics.RollbackPoints.Set(float64(len(remaining)))
		}
		m.publish(events.EventCleanupCompleted, "", map[string]string{"removed": fmt.Sprintf("%d", removed)})
	}
	return removed, nil
}

// StartSweeper runs PerformCleanup on the given interval until Stop
func (m *Manager) StartSweeper(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.PerformCleanup(context.Background()); err != nil {
					log.WithComponent("rollback").Warn().Err(err).Msg("cleanup sweep failed")
				}
			case <-m.sweepStop:
				return
			}
		}
	}()
}

// Stop halts the sweeper and waits for running operations
func (m *Manager) Stop() error {
	m.sweepOnce.Do(func() { close(m.sweepStop) })
	m.wg.Wait()
	return m.store.Close()
}

func (m *Manager) publish(eventType events.EventType, pointID string, meta map[string]string) {
	if m.broker == nil {
		return
	}
	if meta == nil {
		meta = make(map[string]string)
	}
	if pointID != "" {
		meta["point_id"] = pointID
	}
	m.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  string(eventType),
		Metadata: meta,
	})
}

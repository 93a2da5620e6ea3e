package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Amicidal/sigmachad-sub017/pkg/graph"
	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// handoffEventCount is how many trailing events seed a handoff context
const handoffEventCount = 20

// Bridge joins session events with graph queries on the read side. Every
// graph call is best-effort: when the executor is nil or failing, results
// degrade to the session-only subset instead of erroring.
type Bridge struct {
	store Store
	query graph.QueryExecutor // nil = no knowledge graph attached
}

// NewBridge creates a bridge; query may be nil
func NewBridge(store Store, query graph.QueryExecutor) *Bridge {
	return &Bridge{store: store, query: query}
}

// Transition is a significant session state change with optional graph context
type Transition struct {
	Seq          int                      `json:"seq"`
	Timestamp    time.Time                `json:"timestamp"`
	Actor        string                   `json:"actor"`
	Type         types.SessionEventType   `json:"type"`
	Reason       string                   `json:"reason"`
	EntityIDs    []string                 `json:"entity_ids,omitempty"`
	From         types.SessionState       `json:"from,omitempty"`
	To           types.SessionState       `json:"to,omitempty"`
	GraphContext []map[string]interface{} `json:"graph_context,omitempty"`
}

// GetTransitions scans the session's events for significant transitions:
// working to broken, a break right after a test pass, severity at least
// high, or a perf regression beyond 5 units. When entityID is set, only
// events touching it are considered. Each hit is enriched with a bounded
// two-hop traversal when the graph is reachable.
func (b *Bridge) GetTransitions(ctx context.Context, sessionID, entityID string) ([]Transition, error) {
	events, err := b.store.GetEvents(ctx, sessionID, 1, 0)
	if err != nil {
		return nil, err
	}

	var out []Transition
	var prevType types.SessionEventType
	for _, ev := range events {
		if entityID != "" && !touches(ev, entityID) {
			prevType = ev.Type
			continue
		}
		if reason, ok := significant(ev, prevType); ok {
			tr := Transition{
				Seq:       ev.Seq,
				Timestamp: ev.Timestamp,
				Actor:     ev.Actor,
				Type:      ev.Type,
				Reason:    reason,
				EntityIDs: ev.ChangeInfo.EntityIDs,
			}
			if ev.StateTransition != nil {
				tr.From = ev.StateTransition.From
				tr.To = ev.StateTransition.To
			}
			tr.GraphContext = b.impactNeighborhood(ctx, ev.ChangeInfo.EntityIDs, 2)
			out = append(out, tr)
		}
		prevType = ev.Type
	}
	return out, nil
}

func touches(ev types.SessionEvent, entityID string) bool {
	for _, id := range ev.ChangeInfo.EntityIDs {
		if id == entityID {
			return true
		}
	}
	return false
}

func significant(ev types.SessionEvent, prevType types.SessionEventType) (string, bool) {
	if ev.StateTransition != nil &&
		ev.StateTransition.From == types.SessionWorking &&
		ev.StateTransition.To == types.SessionBroken {
		return "state working->broken", true
	}
	if prevType == types.EventTestPass && ev.Type == types.EventBroke {
		return "broke after passing tests", true
	}
	if ev.Impact != nil {
		if ev.Impact.Severity == "high" || ev.Impact.Severity == "critical" {
			return "severity " + ev.Impact.Severity, true
		}
		if ev.Impact.PerfDelta < -5 {
			return fmt.Sprintf("perf regression %.1f", ev.Impact.PerfDelta), true
		}
	}
	return "", false
}

// impactNeighborhood runs the bounded traversal; nil on any failure
func (b *Bridge) impactNeighborhood(ctx context.Context, entityIDs []string, hops int) []map[string]interface{} {
	if b.query == nil || len(entityIDs) == 0 {
		return nil
	}
	rows, err := b.query.Query(ctx,
		fmt.Sprintf(`MATCH (e)-[:IMPACTS|IMPLEMENTS_CLUSTER|PERFORMS_FOR*1..%d]-(n)
		 WHERE e.id IN $ids RETURN DISTINCT n LIMIT 50`, hops),
		map[string]interface{}{"ids": entityIDs})
	if err != nil {
		log.WithComponent("session-bridge").Debug().Err(err).Msg("graph enrichment unavailable")
		return nil
	}
	return rows
}

// Isolation is the per-agent slice of a session
type Isolation struct {
	SessionID string                  `json:"session_id"`
	AgentID   string                  `json:"agent_id"`
	Events    []types.SessionEvent    `json:"events"`
	Impacts   map[string]EntityImpact `json:"impacts"`
}

// EntityImpact aggregates what one agent did to one entity
type EntityImpact struct {
	Modifications int     `json:"modifications"`
	TestsFailed   int     `json:"tests_failed"`
	TestsFixed    int     `json:"tests_fixed"`
	PerfDelta     float64 `json:"perf_delta"`
}

// IsolateSession filters the event log to one agent and aggregates its
// per-entity impacts.
func (b *Bridge) IsolateSession(ctx context.Context, sessionID, agentID string) (*Isolation, error) {
	events, err := b.store.GetEvents(ctx, sessionID, 1, 0)
	if err != nil {
		return nil, err
	}
	iso := &Isolation{
		SessionID: sessionID,
		AgentID:   agentID,
		Impacts:   make(map[string]EntityImpact),
	}
	for _, ev := range events {
		if ev.Actor != agentID {
			continue
		}
		iso.Events = append(iso.Events, ev)
		for _, id := range ev.ChangeInfo.EntityIDs {
			imp := iso.Impacts[id]
			imp.Modifications++
			if ev.Impact != nil {
				imp.TestsFailed += ev.Impact.TestsFailed
				imp.TestsFixed += ev.Impact.TestsFixed
				imp.PerfDelta += ev.Impact.PerfDelta
			}
			iso.Impacts[id] = imp
		}
	}
	return iso, nil
}

// HandoffContext is what a joining agent needs to pick up a session
type HandoffContext struct {
	SessionID    string                   `json:"session_id"`
	JoiningAgent string                   `json:"joining_agent"`
	State        types.SessionState       `json:"state"`
	RecentEvents []types.SessionEvent     `json:"recent_events"`
	GraphContext []map[string]interface{} `json:"graph_context,omitempty"`
	Advice       []string                 `json:"advice"`
}

// GetHandoffContext summarizes the session tail for a joining agent:
// last events, one-hop graph context around the touched entities, and
// textual advice derived from the recent activity.
func (b *Bridge) GetHandoffContext(ctx context.Context, sessionID, joiningAgent string) (*HandoffContext, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := b.store.GetRecentEvents(ctx, sessionID, handoffEventCount)
	if err != nil {
		return nil, err
	}

	hc := &HandoffContext{
		SessionID:    sessionID,
		JoiningAgent: joiningAgent,
		State:        sess.State,
		RecentEvents: events,
	}

	entitySet := make(map[string]struct{})
	var entityIDs []string
	failures, fixes := 0, 0
	for _, ev := range events {
		for _, id := range ev.ChangeInfo.EntityIDs {
			if _, ok := entitySet[id]; !ok {
				entitySet[id] = struct{}{}
				entityIDs = append(entityIDs, id)
			}
		}
		switch ev.Type {
		case types.EventTestFail, types.EventBroke:
			failures++
		case types.EventTestPass, types.EventFixed:
			fixes++
		}
	}
	hc.GraphContext = b.impactNeighborhood(ctx, entityIDs, 1)

	if sess.State == types.SessionBroken {
		hc.Advice = append(hc.Advice, "session is in a broken state; inspect the latest failing change first")
	}
	if failures > fixes {
		hc.Advice = append(hc.Advice, fmt.Sprintf("recent activity skews negative (%d failures vs %d fixes)", failures, fixes))
	}
	if len(entityIDs) > 0 {
		hc.Advice = append(hc.Advice, fmt.Sprintf("%d entities touched recently; review them before making changes", len(entityIDs)))
	}
	if len(hc.Advice) == 0 {
		hc.Advice = append(hc.Advice, "session looks healthy; continue from the latest event")
	}
	return hc, nil
}

// QueryOptions filters session lookups
type QueryOptions struct {
	ActiveOnly bool
	Limit      int
}

// QuerySessionsByEntity returns the union of sessions anchored to the
// entity in the graph and live sessions whose events reference it.
func (b *Bridge) QuerySessionsByEntity(ctx context.Context, entityID string, opts QueryOptions) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	// Persisted anchors, best-effort.
	if b.query != nil {
		rows, err := b.query.Query(ctx,
			`MATCH (s:Session)-[:SESSION_MODIFIED]->(e {id: $id}) RETURN s.session_id AS session_id`,
			map[string]interface{}{"id": entityID})
		if err == nil {
			for _, row := range rows {
				if id, ok := row["session_id"].(string); ok {
					add(id)
				}
			}
		} else {
			log.WithComponent("session-bridge").Debug().Err(err).Msg("anchor lookup unavailable")
		}
	}

	// Live sessions referencing the entity.
	ids, err := b.store.ListSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		events, err := b.store.GetEvents(ctx, id, 1, 0)
		if err != nil {
			continue
		}
		for _, ev := range events {
			if touches(ev, entityID) {
				add(id)
				break
			}
		}
	}

	sort.Strings(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Aggregates summarizes session activity around a set of entities
type Aggregates struct {
	SessionCount     int                            `json:"session_count"`
	EventCount       int                            `json:"event_count"`
	ActiveAgents     []string                       `json:"active_agents"`
	OutcomeHistogram map[types.SessionEventType]int `json:"outcome_histogram"`
	PerfMin          float64                        `json:"perf_min"`
	PerfMax          float64                        `json:"perf_max"`
	PerfAvg          float64                        `json:"perf_avg"`
}

// GetSessionAggregates computes counts, the active-agent set, an outcome
// histogram, and perf statistics over sessions touching the entities.
func (b *Bridge) GetSessionAggregates(ctx context.Context, entityIDs []string, opts QueryOptions) (*Aggregates, error) {
	targets := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		targets[id] = struct{}{}
	}

	agg := &Aggregates{OutcomeHistogram: make(map[types.SessionEventType]int)}
	agentSet := make(map[string]struct{})
	var perfSum float64
	perfSamples := 0

	ids, err := b.store.ListSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		events, err := b.store.GetEvents(ctx, id, 1, 0)
		if err != nil {
			continue
		}
		matched := false
		for _, ev := range events {
			hit := len(targets) == 0
			for _, eid := range ev.ChangeInfo.EntityIDs {
				if _, ok := targets[eid]; ok {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
			matched = true
			agg.EventCount++
			agg.OutcomeHistogram[ev.Type]++
			agentSet[ev.Actor] = struct{}{}
			if ev.Impact != nil && ev.Impact.PerfDelta != 0 {
				d := ev.Impact.PerfDelta
				if perfSamples == 0 || d < agg.PerfMin {
					agg.PerfMin = d
				}
				if perfSamples == 0 || d > agg.PerfMax {
					agg.PerfMax = d
				}
				perfSum += d
				perfSamples++
			}
		}
		if matched {
			agg.SessionCount++
		}
	}
	for a := range agentSet {
		agg.ActiveAgents = append(agg.ActiveAgents, a)
	}
	sort.Strings(agg.ActiveAgents)
	if perfSamples > 0 {
		agg.PerfAvg = perfSum / float64(perfSamples)
	}
	return agg, nil
}

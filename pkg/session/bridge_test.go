package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub017/pkg/graph"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

func seedBridgeSession(t *testing.T, store *MemoryStore) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, "s1", "agent-a", CreateOptions{}))
	events := []types.SessionEvent{
		{Seq: 1, Type: types.EventModified, Actor: "agent-a",
			ChangeInfo: types.ChangeInfo{EntityIDs: []string{"ent1"}}},
		{Seq: 2, Type: types.EventTestPass, Actor: "agent-a",
			ChangeInfo: types.ChangeInfo{EntityIDs: []string{"ent1"}}},
		{Seq: 3, Type: types.EventBroke, Actor: "agent-b",
			ChangeInfo: types.ChangeInfo{EntityIDs: []string{"ent2"}},
			StateTransition: &types.StateTransition{
				From: types.SessionWorking,
				To:   types.SessionBroken,
			},
			Impact: &types.Impact{Severity: "high", TestsFailed: 3}},
		{Seq: 4, Type: types.EventModified, Actor: "agent-b",
			ChangeInfo: types.ChangeInfo{EntityIDs: []string{"ent2"}},
			Impact:     &types.Impact{PerfDelta: -8.5}},
	}
	for _, ev := range events {
		require.NoError(t, store.AddEvent(ctx, "s1", ev))
	}
	return "s1"
}

func TestGetTransitionsDetectsSignificantEvents(t *testing.T) {
	store := NewMemoryStore(testSessionConfig())
	id := seedBridgeSession(t, store)
	b := NewBridge(store, nil)

	trs, err := b.GetTransitions(context.Background(), id, "")
	require.NoError(t, err)
	require.Len(t, trs, 2)

	assert.Equal(t, 3, trs[0].Seq)
	assert.Equal(t, types.SessionWorking, trs[0].From)
	assert.Equal(t, types.SessionBroken, trs[0].To)

	assert.Equal(t, 4, trs[1].Seq)
	assert.Contains(t, trs[1].Reason, "perf regression")
}

func TestGetTransitionsFilteredByEntity(t *testing.T) {
	store := NewMemoryStore(testSessionConfig())
	id := seedBridgeSession(t, store)
	b := NewBridge(store, nil)

	trs, err := b.GetTransitions(context.Background(), id, "ent1")
	require.NoError(t, err)
	assert.Empty(t, trs, "significant events all touch ent2")
}

func TestGetTransitionsGraphEnrichment(t *testing.T) {
	store := NewMemoryStore(testSessionConfig())
	id := seedBridgeSession(t, store)

	svc := graph.NewMemoryService()
	svc.QueryFn = func(query string, params map[string]interface{}) ([]map[string]interface{}, error) {
		return []map[string]interface{}{{"id": "neighbor1"}}, nil
	}
	b := NewBridge(store, svc)

	trs, err := b.GetTransitions(context.Background(), id, "")
	require.NoError(t, err)
	require.NotEmpty(t, trs)
	require.Len(t, trs[0].GraphContext, 1)
	assert.Equal(t, "neighbor1", trs[0].GraphContext[0]["id"])
}

func TestBridgeDegradesWhenGraphDown(t *testing.T) {
	store := NewMemoryStore(testSessionConfig())
	id := seedBridgeSession(t, store)

	svc := graph.NewMemoryService()
	svc.QueryFn = func(query string, params map[string]interface{}) ([]map[string]interface{}, error) {
		return nil, errors.New("graph unreachable")
	}
	b := NewBridge(store, svc)

	trs, err := b.GetTransitions(context.Background(), id, "")
	require.NoError(t, err, "graph trouble must not fail the read")
	require.NotEmpty(t, trs)
	assert.Nil(t, trs[0].GraphContext)
}

func TestIsolateSessionAggregatesPerEntity(t *testing.T) {
	store := NewMemoryStore(testSessionConfig())
	id := seedBridgeSession(t, store)
	b := NewBridge(store, nil)

	iso, err := b.IsolateSession(context.Background(), id, "agent-b")
	require.NoError(t, err)
	assert.Len(t, iso.Events, 2)

	imp := iso.Impacts["ent2"]
	assert.Equal(t, 2, imp.Modifications)
	assert.Equal(t, 3, imp.TestsFailed)
	assert.InDelta(t, -8.5, imp.PerfDelta, 0.001)
	assert.NotContains(t, iso.Impacts, "ent1")
}

func TestGetHandoffContext(t *testing.T) {
	store := NewMemoryStore(testSessionConfig())
	id := seedBridgeSession(t, store)
	b := NewBridge(store, nil)

	hc, err := b.GetHandoffContext(context.Background(), id, "agent-c")
	require.NoError(t, err)
	assert.Equal(t, types.SessionBroken, hc.State)
	assert.Len(t, hc.RecentEvents, 4)
	assert.NotEmpty(t, hc.Advice)
	assert.Contains(t, hc.Advice[0], "broken")
}

func TestQuerySessionsByEntityUnion(t *testing.T) {
	store := NewMemoryStore(testSessionConfig())
	id := seedBridgeSession(t, store)
	ctx := context.Background()

	// A second live session that never touches ent2.
	require.NoError(t, store.CreateSession(ctx, "s2", "agent-z", CreateOptions{}))
	require.NoError(t, store.AddEvent(ctx, "s2", types.SessionEvent{
		Seq: 1, Type: types.EventModified, Actor: "agent-z",
		ChangeInfo: types.ChangeInfo{EntityIDs: []string{"other"}},
	}))

	svc := graph.NewMemoryService()
	svc.QueryFn = func(query string, params map[string]interface{}) ([]map[string]interface{}, error) {
		// Persisted anchor points at an archived session.
		return []map[string]interface{}{{"session_id": "s-archived"}}, nil
	}
	b := NewBridge(store, svc)

	ids, err := b.QuerySessionsByEntity(ctx, "ent2", QueryOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id, "s-archived"}, ids)
}

func TestGetSessionAggregates(t *testing.T) {
	store := NewMemoryStore(testSessionConfig())
	seedBridgeSession(t, store)
	b := NewBridge(store, nil)

	agg, err := b.GetSessionAggregates(context.Background(), []string{"ent1", "ent2"}, QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, agg.SessionCount)
	assert.Equal(t, 4, agg.EventCount)
	assert.Equal(t, []string{"agent-a", "agent-b"}, agg.ActiveAgents)
	assert.Equal(t, 2, agg.OutcomeHistogram[types.EventModified])
	assert.Equal(t, 1, agg.OutcomeHistogram[types.EventBroke])
	assert.InDelta(t, -8.5, agg.PerfMin, 0.001)
	assert.InDelta(t, -8.5, agg.PerfAvg, 0.001)
}

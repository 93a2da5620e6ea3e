package session

import (
	"context"
	"time"

	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// GlobalChannel receives every session update alongside the per-session
// channel. Pub/sub delivery is at-least-once and best-effort; consumers
// must be idempotent.
const GlobalChannel = "sessions:global"

// ChannelFor returns the per-session pub/sub channel name
func ChannelFor(sessionID string) string {
	return "session:" + sessionID
}

// CreateOptions parameterize session creation
type CreateOptions struct {
	TTL              time.Duration
	Metadata         map[string]interface{}
	InitialEntityIDs []string
}

// Update is the message published on session channels
type Update struct {
	SessionID string      `json:"session_id"`
	Kind      string      `json:"kind"` // created, event, agent_joined, agent_left, checkpoint_complete, deleted
	Seq       int         `json:"seq,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Unsubscribe tears down a subscription
type Unsubscribe func()

// Store is the durable session backend: key-value session records plus a
// per-session ordered event log and pub/sub channels.
//
// AddEvent is the consistency anchor. The store is the sequence authority:
// it accepts an event only when event.Seq is exactly lastSeq+1. A smaller
// or equal Seq fails with SEQUENCE_REPLAY, a larger one with SEQUENCE_GAP.
// Callers holding a stale counter re-prime from LastSeq and retry.
type Store interface {
	CreateSession(ctx context.Context, sessionID, agentID string, opts CreateOptions) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	Exists(ctx context.Context, sessionID string) (bool, error)
	Delete(ctx context.Context, sessionID string) error

	AddEvent(ctx context.Context, sessionID string, event types.SessionEvent) error
	GetEvents(ctx context.Context, sessionID string, fromSeq, toSeq int) ([]types.SessionEvent, error)
	GetRecentEvents(ctx context.Context, sessionID string, n int) ([]types.SessionEvent, error)
	LastSeq(ctx context.Context, sessionID string) (int, error)

	AddAgent(ctx context.Context, sessionID, agentID string) error
	RemoveAgent(ctx context.Context, sessionID, agentID string) error
	SetTTL(ctx context.Context, sessionID string, ttl time.Duration) error

	ListSessionIDs(ctx context.Context) ([]string, error)

	PublishSessionUpdate(ctx context.Context, channel string, update Update) error
	SubscribeToSession(ctx context.Context, sessionID string, cb func(Update)) (Unsubscribe, error)

	Close() error
}

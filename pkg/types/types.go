package types

import (
	"time"
)

// ChangeEvent is an immutable notification that something in the watched
// repository changed. Events enter the ingestion pipeline and are turned
// into parse tasks.
type ChangeEvent struct {
	EventID   string            `json:"event_id"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      ChangeKind        `json:"kind"`
	Path      string            `json:"path"`
	Priority  *int              `json:"priority,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ChangeKind classifies a change event
type ChangeKind string

const (
	ChangeFileAdded   ChangeKind = "file_added"
	ChangeFileChanged ChangeKind = "file_changed"
	ChangeFileDeleted ChangeKind = "file_deleted"
	ChangeFileRenamed ChangeKind = "file_renamed"
)

// TaskType selects the worker that handles a task
type TaskType string

const (
	TaskParse              TaskType = "parse"
	TaskEntityUpsert       TaskType = "entity_upsert"
	TaskRelationshipUpsert TaskType = "relationship_upsert"
	TaskEmbedding          TaskType = "embedding"
	TaskEnrich             TaskType = "enrich"
)

// Task is a unit of work flowing through the queue and worker pool.
// Priority 0 is the highest; 9 the lowest.
type Task struct {
	ID           string      `json:"id"`
	Type         TaskType    `json:"type"`
	Payload      interface{} `json:"payload"`
	Priority     int         `json:"priority"`
	PartitionKey string      `json:"partition_key,omitempty"`
	RetryCount   int         `json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
	EnqueuedAt   time.Time   `json:"enqueued_at"`
	NotBefore    time.Time   `json:"not_before,omitempty"` // zero = eligible immediately
}

// ChangeType classifies what a fragment mutates
type ChangeType string

const (
	ChangeEntity       ChangeType = "entity"
	ChangeRelationship ChangeType = "relationship"
	ChangeEmbedding    ChangeType = "embedding"
)

// Operation is the mutation verb carried by a fragment or diff entry
type Operation string

const (
	OpAdd    Operation = "add"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeFragment is the smallest unit of graph mutation derived from one
// change event. DependencyHints reference other fragments of the same event
// and form a DAG that the batch processor topologically orders.
type ChangeFragment struct {
	ID              string      `json:"id"`
	EventID         string      `json:"event_id"`
	ChangeType      ChangeType  `json:"change_type"`
	Operation       Operation   `json:"operation"`
	Data            interface{} `json:"data"`
	DependencyHints []string    `json:"dependency_hints,omitempty"`
	Confidence      float64     `json:"confidence"` // 0..1
	Deferred        bool        `json:"deferred,omitempty"` // relationship may precede its endpoints
}

// EntityType is the discriminator of the entity tagged union
type EntityType string

const (
	EntityFile            EntityType = "file"
	EntityDirectory       EntityType = "directory"
	EntityModule          EntityType = "module"
	EntitySymbol          EntityType = "symbol"
	EntityTest            EntityType = "test"
	EntitySpec            EntityType = "spec"
	EntityDocumentation   EntityType = "documentation"
	EntityBusinessDomain  EntityType = "business_domain"
	EntitySemanticCluster EntityType = "semantic_cluster"
	EntitySecurityIssue   EntityType = "security_issue"
	EntityCheckpoint      EntityType = "checkpoint"
	EntityVersion         EntityType = "version"
)

// SymbolKind refines EntitySymbol
type SymbolKind string

const (
	SymbolFunction  SymbolKind = "function"
	SymbolClass     SymbolKind = "class"
	SymbolInterface SymbolKind = "interface"
	SymbolTypeAlias SymbolKind = "type_alias"
	SymbolVariable  SymbolKind = "variable"
	SymbolProperty  SymbolKind = "property"
	SymbolMethod    SymbolKind = "method"
)

// Entity is a node in the knowledge graph. ID is content-and-path derived:
// the same logical element produces the same id across ingestion runs.
type Entity struct {
	ID           string                 `json:"id"`
	Type         EntityType             `json:"type"`
	SymbolKind   SymbolKind             `json:"symbol_kind,omitempty"`
	Path         string                 `json:"path,omitempty"`
	Hash         string                 `json:"hash,omitempty"`
	Language     string                 `json:"language,omitempty"`
	Created      time.Time              `json:"created"`
	LastModified time.Time              `json:"last_modified"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// RelationshipType is the closed set of edge labels
type RelationshipType string

const (
	RelImports               RelationshipType = "IMPORTS"
	RelExports               RelationshipType = "EXPORTS"
	RelCalls                 RelationshipType = "CALLS"
	RelReferences            RelationshipType = "REFERENCES"
	RelDependsOn             RelationshipType = "DEPENDS_ON"
	RelImplements            RelationshipType = "IMPLEMENTS"
	RelExtends               RelationshipType = "EXTENDS"
	RelTypeUses              RelationshipType = "TYPE_USES"
	RelTests                 RelationshipType = "TESTS"
	RelDocuments             RelationshipType = "DOCUMENTS"
	RelPerformsFor           RelationshipType = "PERFORMS_FOR"
	RelImpacts               RelationshipType = "IMPACTS"
	RelImplementsCluster     RelationshipType = "IMPLEMENTS_CLUSTER"
	RelSessionModified       RelationshipType = "SESSION_MODIFIED"
	RelSessionCheckpointLink RelationshipType = "SESSION_CHECKPOINT_LINK"
)

// Relationship is an edge in the knowledge graph. ID is canonical from
// (FromEntityID, Type, ToEntityID[, discriminator]).
type Relationship struct {
	ID           string                 `json:"id"`
	Type         RelationshipType       `json:"type"`
	FromEntityID string                 `json:"from_entity_id"`
	ToEntityID   string                 `json:"to_entity_id"`
	Created      time.Time              `json:"created"`
	LastModified time.Time              `json:"last_modified"`
	Version      int                    `json:"version"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SessionState tracks the health of an agent session
type SessionState string

const (
	SessionWorking   SessionState = "working"
	SessionBroken    SessionState = "broken"
	SessionResolved  SessionState = "resolved"
	SessionAbandoned SessionState = "abandoned"
)

// Session is the durable record of a multi-agent working session.
// Events are strictly increasing by Seq, gap-free.
type Session struct {
	SessionID string                 `json:"session_id"`
	AgentIDs  []string               `json:"agent_ids"`
	State     SessionState           `json:"state"`
	Events    []SessionEvent         `json:"events,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// SessionEventType classifies a session event
type SessionEventType string

const (
	EventModified   SessionEventType = "modified"
	EventTestPass   SessionEventType = "test_pass"
	EventTestFail   SessionEventType = "test_fail"
	EventBroke      SessionEventType = "broke"
	EventFixed      SessionEventType = "fixed"
	EventCheckpoint SessionEventType = "checkpoint"
	EventHandoff    SessionEventType = "handoff"
)

// ChangeInfo names what a session event touched
type ChangeInfo struct {
	ElementType string    `json:"element_type"`
	EntityIDs   []string  `json:"entity_ids"`
	Operation   Operation `json:"operation"`
}

// StateTransition records a session state change carried by an event
type StateTransition struct {
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
}

// Impact is an optional per-event estimate of blast radius
type Impact struct {
	Severity     string  `json:"severity,omitempty"`
	TestsFailed  int     `json:"tests_failed,omitempty"`
	TestsFixed   int     `json:"tests_fixed,omitempty"`
	PerfDelta    float64 `json:"perf_delta,omitempty"`
	BuildError   string  `json:"build_error,omitempty"`
	AffectedPath string  `json:"affected_path,omitempty"`
}

// SessionEvent is an ordered, sequence-numbered record of an agent action.
// Seq starts at 1 and is assigned by the session manager; the store rejects
// replays of an existing seq.
type SessionEvent struct {
	Seq             int              `json:"seq"`
	Timestamp       time.Time        `json:"timestamp"`
	Type            SessionEventType `json:"type"`
	Actor           string           `json:"actor"`
	ChangeInfo      ChangeInfo       `json:"change_info"`
	StateTransition *StateTransition `json:"state_transition,omitempty"`
	Impact          *Impact          `json:"impact,omitempty"`
}

// CheckpointReason explains why a checkpoint job was submitted
type CheckpointReason string

const (
	CheckpointManual   CheckpointReason = "manual"
	CheckpointDaily    CheckpointReason = "daily"
	CheckpointIncident CheckpointReason = "incident"
)

// CheckpointJobStatus is the lifecycle state of a checkpoint job
type CheckpointJobStatus string

const (
	JobQueued             CheckpointJobStatus = "queued"
	JobRunning            CheckpointJobStatus = "running"
	JobPending            CheckpointJobStatus = "pending"
	JobCompleted          CheckpointJobStatus = "completed"
	JobManualIntervention CheckpointJobStatus = "manual_intervention"
)

// CheckpointPayload parameterizes checkpoint materialization
type CheckpointPayload struct {
	SessionID     string                 `json:"session_id"`
	SeedEntityIDs []string               `json:"seed_entity_ids"`
	Reason        CheckpointReason       `json:"reason"`
	HopCount      int                    `json:"hop_count"`
	Window        *TimeWindow            `json:"window,omitempty"`
	Annotations   map[string]interface{} `json:"annotations,omitempty"`
}

// TimeWindow bounds a checkpoint or time-based rollback
type TimeWindow struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// CheckpointJob is a durable background job that materializes a graph
// checkpoint from a session. Jobs survive process crashes via the
// persistence layer.
type CheckpointJob struct {
	ID        string              `json:"id"`
	Payload   CheckpointPayload   `json:"payload"`
	Attempts  int                 `json:"attempts"`
	Status    CheckpointJobStatus `json:"status"`
	QueuedAt  time.Time           `json:"queued_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	LastError string              `json:"last_error,omitempty"`
}

// SnapshotType classifies what a snapshot captured
type SnapshotType string

const (
	SnapshotEntity       SnapshotType = "entity"
	SnapshotRelationship SnapshotType = "relationship"
	SnapshotSessionState SnapshotType = "session_state"
	SnapshotFilesystem   SnapshotType = "filesystem"
)

// RollbackPoint is a named capture of pre-change state
type RollbackPoint struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	SessionID     string                 `json:"session_id,omitempty"`
	ExpiresAt     time.Time              `json:"expires_at"`
	Entities      []Entity               `json:"entities,omitempty"`
	Relationships []Relationship         `json:"relationships,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Snapshot is one typed capture belonging to a rollback point
type Snapshot struct {
	ID              string       `json:"id"`
	RollbackPointID string       `json:"rollback_point_id"`
	Type            SnapshotType `json:"type"`
	Payload         interface{}  `json:"payload"`
	CreatedAt       time.Time    `json:"created_at"`
}

// DiffOperation is the verb of a diff entry
type DiffOperation string

const (
	DiffCreate DiffOperation = "create"
	DiffUpdate DiffOperation = "update"
	DiffDelete DiffOperation = "delete"
)

// DiffEntry is one path-level difference between a snapshot and current state
type DiffEntry struct {
	Path      string                 `json:"path"`
	Operation DiffOperation          `json:"operation"`
	OldValue  interface{}            `json:"old_value,omitempty"`
	NewValue  interface{}            `json:"new_value,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// WorkerResult is the outcome of one task execution
type WorkerResult struct {
	Success    bool        `json:"success"`
	Value      interface{} `json:"value,omitempty"`
	Err        error       `json:"-"`
	DurationMs int64       `json:"duration_ms"`
}

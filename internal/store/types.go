package store

import "github.com/matheus3301/chatsync/internal/filter"

// EntityKind names a table whose mutations are announced to commit hooks.
type EntityKind string

const (
	EntityChannel   EntityKind = "channel"
	EntityUser      EntityKind = "user"
	EntityMessage   EntityKind = "message"
	EntityLocalUser EntityKind = "local_user"
	EntityQuery     EntityKind = "query"
	EntityQueryLink EntityKind = "query_link"
)

// ChangeKind tells whether a row was inserted, updated or deleted.
type ChangeKind int

const (
	Inserted ChangeKind = iota
	Updated
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// Change describes one mutated row. Key is the entity's primary key; for
// query links it is LinkKey(hash, entityKey).
type Change struct {
	Entity EntityKind
	Kind   ChangeKind
	Key    string
}

// LinkKey is the change key for a query link row.
func LinkKey(filterHash, entityKey string) string {
	return filterHash + "|" + entityKey
}

// LocalState is the synchronization state of a locally mutated message.
type LocalState string

const (
	StateUnsyncedCreate LocalState = "unsynced_create"
	StateUnsyncedUpdate LocalState = "unsynced_update"
	StateSyncing        LocalState = "syncing"
	StateSynced         LocalState = "synced"
	StateSyncFailed     LocalState = "sync_failed"
)

// PendingOp records which remote write a non-synced message is waiting on.
type PendingOp string

const (
	OpNone   PendingOp = ""
	OpCreate PendingOp = "create"
	OpUpdate PendingOp = "update"
)

// UnsyncedState returns the queued state for op.
func (op PendingOp) UnsyncedState() LocalState {
	if op == OpUpdate {
		return StateUnsyncedUpdate
	}
	return StateUnsyncedCreate
}

// Channel is a cached conversation. CID is "<type>:<id>".
type Channel struct {
	CID           string
	Type          string
	ID            string
	Name          string
	MemberCount   int
	UnreadCount   int
	IsWatched     bool
	LastMessageAt int64
	Extra         map[string]any
	CreatedAt     int64
	UpdatedAt     int64
}

// User is a cached user.
type User struct {
	ID           string
	Name         string
	Role         string
	Online       bool
	LastActiveAt int64
	Extra        map[string]any
	UpdatedAt    int64
}

// Message is a cached message, possibly still waiting to be synced.
type Message struct {
	ID           string
	CID          string
	UserID       string
	Text         string
	Type         string
	LocalState   LocalState
	PendingOp    PendingOp
	ErrorMessage string
	Deleted      bool
	CreatedAt    int64
	UpdatedAt    int64
}

// LocalUser is the signed-in user's row. LastSyncedAt is the watermark of the
// last fully processed remote event, in unix milliseconds (0 = never).
type LocalUser struct {
	UserID       string
	LastSyncedAt int64
}

// QueryKind tells which entity a saved query lists.
type QueryKind string

const (
	QueryChannels QueryKind = "channel"
	QueryUsers    QueryKind = "user"
)

// SavedQuery is a persisted filter whose result membership is cached in
// query_links.
type SavedQuery struct {
	FilterHash string
	Kind       QueryKind
	Filter     filter.Filter
	Sort       string
	PageSize   int
}

// NewSavedQuery builds a query keyed by the hash of f.
func NewSavedQuery(kind QueryKind, f filter.Filter, sort string, pageSize int) SavedQuery {
	if pageSize <= 0 {
		pageSize = 20
	}
	return SavedQuery{
		FilterHash: f.Hash(),
		Kind:       kind,
		Filter:     f,
		Sort:       sort,
		PageSize:   pageSize,
	}
}

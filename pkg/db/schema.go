package db

// Schema defines the SQLite schema for durable update metadata.
// device_state holds exactly one row describing the running image and the
// in-progress session; update_history is an append-only audit trail.
const Schema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = FULL;

CREATE TABLE IF NOT EXISTS device_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    current_version BLOB NOT NULL,
    next_version BLOB,
    session_open INTEGER NOT NULL DEFAULT 0 CHECK(session_open IN (0, 1)),
    next_offset INTEGER NOT NULL DEFAULT 0 CHECK(next_offset >= 0),
    pending INTEGER NOT NULL DEFAULT 0 CHECK(pending IN (0, 1)),
    digest_algorithm TEXT NOT NULL DEFAULT 'sha256',
    digest_state BLOB,
    checksum BLOB,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS update_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    version BLOB NOT NULL,
    event TEXT NOT NULL CHECK(event IN ('started', 'resumed', 'committed', 'rejected', 'synced', 'invalidated')),
    bytes INTEGER NOT NULL DEFAULT 0,
    detail TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_update_history_created_at ON update_history(created_at);
`

// History event constants
const (
	EventStarted     = "started"
	EventResumed     = "resumed"
	EventCommitted   = "committed"
	EventRejected    = "rejected"
	EventSynced      = "synced"
	EventInvalidated = "invalidated"
)

// State is the persisted device update state.
type State struct {
	CurrentVersion  []byte
	NextVersion     []byte
	SessionOpen     bool
	NextOffset      int64
	Pending         bool
	DigestAlgorithm string
	DigestState     []byte
	Checksum        []byte
	UpdatedAt       string
}

// Clone returns a deep copy so callers can stage modifications.
func (s *State) Clone() *State {
	c := *s
	c.CurrentVersion = cloneBytes(s.CurrentVersion)
	c.NextVersion = cloneBytes(s.NextVersion)
	c.DigestState = cloneBytes(s.DigestState)
	c.Checksum = cloneBytes(s.Checksum)
	return &c
}

// ClearSession drops every session field, keeping the current version.
func (s *State) ClearSession() {
	s.NextVersion = nil
	s.SessionOpen = false
	s.NextOffset = 0
	s.Pending = false
	s.DigestState = nil
	s.Checksum = nil
}

// Event is one row of the update history.
type Event struct {
	ID        int64
	Version   []byte
	Event     string
	Bytes     int64
	Detail    string
	CreatedAt string
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

package manager

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// PendingPrompt is a scheduled unit of work waiting in a session's queue.
type PendingPrompt struct {
	ID           string
	Text         string
	ImagePath    string
	Destination  string
	Deadline     time.Time
	CancelSignal chan struct{}
}

// Session is the mutable record the Session Manager owns, keyed by
// fingerprint(tool, workdir). Fields are guarded by the owning Manager's
// registry mutex for structural changes (queue append/pop, busy flag);
// Driver is an opaque handle set by the Scheduler.
type Session struct {
	ID          string
	Tool        string
	WorkDir     string
	Mode        string // the tool's mode; a spawn failure marks the session Down and leaves Mode unchanged
	ResumeToken string
	Name        string
	Summary     string

	Queue []PendingPrompt
	Busy  bool

	// Driver is an opaque handle to a running Session Driver (interactive
	// flavor). nil when none is spawned. The Manager never type-asserts
	// this; only the Scheduler, which owns dispatch, does.
	Driver any

	Down bool // set true by the Scheduler on Failed(Spawn|Stalled)

	UpdatedAt time.Time
}

// Snapshot is the read-only view returned by List().
type Snapshot struct {
	ID        string    `json:"id"`
	Tool      string    `json:"tool"`
	WorkDir   string    `json:"workdir"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
	Busy      bool      `json:"busy"`
	QueueLen  int       `json:"queue_len"`
}

// FingerprintID derives a deterministic, collision-free session id from
// (tool, workdir), so repeated requests for the same pair always resolve
// to the same session.
func FingerprintID(tool, workdir string) string {
	sum := sha256.Sum256([]byte(tool + "\x00" + workdir))
	return "s_" + hex.EncodeToString(sum[:])[:16]
}

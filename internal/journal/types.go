package journal

import "encoding/json"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the on-disk entry and replay callback
// ============================================================================

// Entry is one journal line
type Entry struct {
	Seq       uint64          `json:"seq"`       // Sequence number (monotonically increasing)
	Type      string          `json:"type"`      // Store event kind, e.g. "path_progress"
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Data      json.RawMessage `json:"data"`      // JSON-encoded event
	Checksum  uint32          `json:"checksum"`  // CRC32 over type|data
}

// Handler processes one entry during Replay; returning an error stops the replay
type Handler func(entry Entry) error

package models

import (
	"maps"
	"time"
)

// ExecutionSnapshot is one persisted, versioned copy of the full execution
// state at a step boundary. Snapshots are immutable once written; the next
// step for the same thread supersedes, never overwrites. Version is the
// optimistic concurrency marker: a writer supplies the version it read and the
// store rejects the write with a conflict when another writer got there first.
type ExecutionSnapshot struct {
	ThreadID  string         `json:"thread_id"`
	Step      int            `json:"step"`
	Version   int64          `json:"version"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
}

// Clone copies the snapshot with an independent top-level field map, so a
// failing step can scribble on its working copy without touching the loaded
// snapshot.
func (s *ExecutionSnapshot) Clone() *ExecutionSnapshot {
	if s == nil {
		return nil
	}

	out := *s
	out.Fields = make(map[string]any, len(s.Fields))
	maps.Copy(out.Fields, s.Fields)

	return &out
}

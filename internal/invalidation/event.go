package invalidation

import (
	"time"

	"github.com/rs/xid"
)

// EventType classifies a change notification feeding the invalidation
// pipeline.
type EventType string

const (
	// EventCreated signals a new ledger file.
	EventCreated EventType = "created"
	// EventModified signals an edit to an existing file.
	EventModified EventType = "modified"
	// EventDeleted signals a file removal.
	EventDeleted EventType = "deleted"
	// EventRenamed signals a file moving to a new path.
	EventRenamed EventType = "renamed"
	// EventDirCreated signals a new directory inside the watched tree.
	EventDirCreated EventType = "dir-created"
	// EventDirDeleted signals a directory removal.
	EventDirDeleted EventType = "dir-deleted"
	// EventIncludeChanged signals a change to an include file whose effects
	// ripple through the dependency graph.
	EventIncludeChanged EventType = "include-changed"
	// EventConfigChanged signals a configuration change. It always flushes
	// the pending batch immediately.
	EventConfigChanged EventType = "config-changed"
	// EventManual marks an application-requested invalidation.
	EventManual EventType = "manual"
)

// Event is one immutable change notification. The watcher mints events for
// filesystem activity; applications mint manual ones.
type Event struct {
	ID           string
	Type         EventType
	Timestamp    time.Time
	FilePath     string
	OldPath      string
	NewPath      string
	StrategyHint string
}

// NewEvent mints an event for one path with a fresh id and timestamp.
func NewEvent(eventType EventType, filePath string) Event {
	return Event{
		ID:        xid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		FilePath:  filePath,
	}
}

// NewRenameEvent mints a rename event carrying both sides of the move.
func NewRenameEvent(oldPath, newPath string) Event {
	event := NewEvent(EventRenamed, newPath)
	event.OldPath = oldPath
	event.NewPath = newPath
	return event
}

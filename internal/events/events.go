// Package events defines the event subjects published by the control plane.
package events

// Session lifecycle subjects.
const (
	SessionCreated   = "session.created"
	SessionReused    = "session.reused"
	SessionEvicted   = "session.evicted"
	SessionRestarted = "session.restarted"
	SessionCleaned   = "session.cleaned"
	SessionUnhealthy = "session.unhealthy"
)

// Workspace synchronization subjects.
const (
	SyncCompleted = "sync.completed"
	SyncPartial   = "sync.partial"
)

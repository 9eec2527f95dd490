// Package events defines the event subjects published by the Stoneforge
// dispatch orchestrator.
package events

// Subjects for poll lifecycle events.
const (
	PollStart    = "poll.start"
	PollComplete = "poll.complete"
	PollError    = "poll.error"
)

// Subjects for dispatch activity.
const (
	TaskDispatched     = "task.dispatched"
	MessageForwarded   = "message.forwarded"
	AgentSpawned       = "agent.spawned"
	AgentTriageSpawned = "agent.triage_spawned"
	DaemonNotification = "daemon.notification"
)

// Subjects for session lifecycle.
const (
	SessionStarted    = "session.started"
	SessionResumed    = "session.resumed"
	SessionSuspended  = "session.suspended"
	SessionTerminated = "session.terminated"
)

// AllDispatchSubjects is the wildcard matching every dispatcher subject.
const AllDispatchSubjects = ">"

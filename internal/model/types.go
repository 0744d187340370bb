package model

import "time"

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionEnded     SessionStatus = "ended"
	SessionAbandoned SessionStatus = "abandoned"
)

// End reasons recorded when a relay session is torn down.
const (
	EndClientRequested = "session_end"
	EndReplaced        = "replaced"
	EndConnectionClose = "connection_closed"
	EndBackendEnded    = "backend_ended"
	EndSendFailed      = "send_failed"
	EndAbandoned       = "abandoned"
)

// RelaySession is the audit record of one backend conversation opened on
// behalf of a client connection.
type RelaySession struct {
	ID           string
	ConnectionID string
	UserID       string
	Backend      string
	StartedAt    time.Time
	EndedAt      *time.Time
	Status       SessionStatus
	EndReason    string
	Counters
}

type Counters struct {
	EventsIn    int64
	EventsOut   int64
	AudioChunks int64
}

type SessionEnd struct {
	ID        string
	EndedAt   time.Time
	EndReason string
	Counters
}

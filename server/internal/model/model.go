package model

import (
	"time"
)

// ─────────────────────────────────────────────
// Job State Machine
// ─────────────────────────────────────────────

type JobStatus string

const (
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// CacheKey builds the render cache key: "render:{Fingerprint}"
func CacheKey(fingerprint string) string {
	return "render:" + fingerprint
}

// ─────────────────────────────────────────────
// Monitor WebSocket Events
// ─────────────────────────────────────────────

type EventType string

const (
	EventJobStarted         EventType = "JOB_STARTED"
	EventWorkerConnected    EventType = "WORKER_CONNECTED"
	EventWorkerDisconnected EventType = "WORKER_DISCONNECTED"
	EventFragmentAssigned   EventType = "FRAGMENT_ASSIGNED"
	EventFragmentCompleted  EventType = "FRAGMENT_COMPLETED"
	EventFragmentReleased   EventType = "FRAGMENT_RELEASED"
	EventJobCompleted       EventType = "JOB_COMPLETED"
)

// Envelope is the top-level monitor WebSocket frame.
type Envelope struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}

// Event is what the dispatcher reports about a single session or fragment.
// Fragment fields are zero for session-level events.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	SessionID string    `json:"session_id,omitempty"`
	Worker    string    `json:"worker,omitempty"`
	Offset    uint32    `json:"offset,omitempty"`
	NX        uint16    `json:"nx,omitempty"`
	NY        uint16    `json:"ny,omitempty"`
	Elapsed   float64   `json:"elapsed_seconds,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// ─────────────────────────────────────────────
// SQL Persistence Models (async write)
// ─────────────────────────────────────────────

// JobLog records one render job (one record per job).
type JobLog struct {
	JobID        string     `gorm:"primaryKey" json:"job_id"`
	Fingerprint  string     `gorm:"index" json:"fingerprint"`
	Width        int        `json:"width"`
	Height       int        `json:"height"`
	MaxIteration int64      `json:"max_iteration"`
	Fragments    int        `json:"fragments"`
	Status       JobStatus  `json:"status"`
	Cached       bool       `json:"cached"`
	ArtifactKey  string     `json:"artifact_key"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// FragmentLog records one accepted fragment result.
type FragmentLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	JobID      string    `gorm:"index" json:"job_id"`
	Worker     string    `gorm:"index" json:"worker"`
	Offset     int64     `json:"offset"`
	NX         int       `json:"nx"`
	NY         int       `json:"ny"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// ─────────────────────────────────────────────
// HTTP Request / Response
// ─────────────────────────────────────────────

// JobResponse is the outbound monitor API response.
type JobResponse struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"status"`
	Width       uint16  `json:"width"`
	Height      uint16  `json:"height"`
	Fragments   int     `json:"fragments"`
	Pending     int     `json:"pending"`
	Assigned    int     `json:"assigned"`
	Done        int     `json:"done"`
	Progress    float64 `json:"progress"`
	Workers     int     `json:"workers"`
	Cached      bool    `json:"cached"`
	ArtifactKey string  `json:"artifact_key,omitempty"`
}

package server

import (
	"encoding/json"
	"time"

	"inferbench/internal/bench"
)

// Stream message types
const (
	MessageTypeProgress  = "progress"
	MessageTypeStatus    = "status"
	MessageTypeError     = "error"
	MessageTypeComplete  = "complete"
	MessageTypeCancelled = "cancelled"
	MessageTypePing      = "ping"
)

// Message is one event sent over a job's websocket or SSE stream.
type Message struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Terminal reports whether no further messages follow m.
func (m Message) Terminal() bool {
	switch m.Type {
	case MessageTypeComplete, MessageTypeError, MessageTypeCancelled:
		return true
	}
	return false
}

// ProgressUpdate describes how far a running job has come.
type ProgressUpdate struct {
	JobID        string      `json:"job_id"`
	Status       JobStatus   `json:"status"`
	Backend      string      `json:"backend,omitempty"`
	State        bench.State `json:"state,omitempty"`
	CallsDone    int         `json:"calls_done"`
	CallsPlanned int         `json:"calls_planned"`
	Progress     float64     `json:"progress"`     // 0-100
	ElapsedTime  float64     `json:"elapsed_time"` // seconds
	// EstimatedTimeRemaining is zero until the first call finishes.
	EstimatedTimeRemaining float64 `json:"estimated_time_remaining"`
	CurrentStep            string  `json:"current_step,omitempty"`
}

// StatusUpdate represents job status information
type StatusUpdate struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorMessage represents error information
type ErrorMessage struct {
	JobID   string `json:"job_id"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CompletionMessage carries the finished report.
type CompletionMessage struct {
	JobID     string        `json:"job_id"`
	Status    JobStatus     `json:"status"`
	Report    *bench.Report `json:"report,omitempty"`
	Duration  float64       `json:"duration"` // seconds
	Completed time.Time     `json:"completed"`
}

// CancellationMessage represents benchmark cancellation information
type CancellationMessage struct {
	JobID     string        `json:"job_id"`
	Status    JobStatus     `json:"status"`
	Message   string        `json:"message"`
	Report    *bench.Report `json:"report,omitempty"`
	Cancelled time.Time     `json:"cancelled"`
}

func newMessage(msgType, jobID string, data any) Message {
	return Message{
		Type:      msgType,
		JobID:     jobID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// finalMessage is the terminal message for a finished job snapshot.
func finalMessage(job Job) Message {
	now := time.Now()
	switch job.Status {
	case JobCompleted:
		return newMessage(MessageTypeComplete, job.ID, CompletionMessage{
			JobID:     job.ID,
			Status:    job.Status,
			Report:    job.Report,
			Duration:  job.duration().Seconds(),
			Completed: finishedAt(job, now),
		})
	case JobCancelled:
		return newMessage(MessageTypeCancelled, job.ID, CancellationMessage{
			JobID:     job.ID,
			Status:    job.Status,
			Message:   job.Message,
			Report:    job.Report,
			Cancelled: finishedAt(job, now),
		})
	default:
		return newMessage(MessageTypeError, job.ID, ErrorMessage{
			JobID:   job.ID,
			Error:   job.Error,
			Message: job.Message,
		})
	}
}

func finishedAt(job Job, fallback time.Time) time.Time {
	if job.FinishedAt != nil {
		return *job.FinishedAt
	}
	return fallback
}

// ToJSON converts a message to JSON bytes
func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

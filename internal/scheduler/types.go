// Package scheduler holds the shared types of the scheduled notifier.
//
// EventBridge rules send a TaskPayload to the notifier Lambda; the TaskType
// decides which broadcast run (or housekeeping job) handles the event.
package scheduler

import (
	"fmt"
	"time"
)

// TaskType identifies which job should handle an EventBridge event.
type TaskType string

const (
	// TaskRealtimeBatch sends today's newsletter to the full roster.
	TaskRealtimeBatch TaskType = "realtime_batch"
	// TaskAdvanceBatch sends tomorrow's newsletter to the test recipients.
	TaskAdvanceBatch TaskType = "advance_batch"
	// TaskPersonalGreetings emails each of today's celebrants directly.
	TaskPersonalGreetings TaskType = "personal_greetings"
	// TaskWhatsAppGreetings sends today's posters over the WhatsApp relay.
	TaskWhatsAppGreetings TaskType = "whatsapp_greetings"
	// TaskSweepSessions deletes expired dashboard sessions.
	TaskSweepSessions TaskType = "sweep_sessions"
)

// Valid reports whether t is a known task.
func (t TaskType) Valid() bool {
	switch t {
	case TaskRealtimeBatch, TaskAdvanceBatch, TaskPersonalGreetings, TaskWhatsAppGreetings, TaskSweepSessions:
		return true
	}
	return false
}

// TaskPayload is the JSON payload sent by EventBridge:
//
//	{
//	  "task": "realtime_batch",
//	  "date": "03-10",                          // optional
//	  "reference_time": "2026-03-10T03:30:00Z"  // optional
//	}
//
// Date overrides the celebration day of broadcast runs and is passed
// through unchanged. ReferenceTime only moves the job lock bucket, so a
// manual re-run for an earlier hour does not collide with the scheduled one.
type TaskPayload struct {
	Task          TaskType   `json:"task"`
	Date          string     `json:"date,omitempty"`
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// LockID is the job lock key for the payload: one run per task per hour.
func (p TaskPayload) LockID(now time.Time) string {
	if p.ReferenceTime != nil {
		now = *p.ReferenceTime
	}
	return fmt.Sprintf("%s:%s", p.Task, now.UTC().Truncate(time.Hour).Format("2006-01-02T15"))
}

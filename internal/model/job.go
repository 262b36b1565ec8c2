package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobKind string

const (
	JobMailingUnit JobKind = "mailing_unit"
	JobStepUnit    JobKind = "step_unit"
)

type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job is a durable delivery unit. RunAt in the future delays availability,
// which is how scenario step delays are realized.
type Job struct {
	ID          string
	Kind        JobKind
	Payload     json.RawMessage
	RunAt       time.Time
	State       JobState
	Attempts    int
	LastError   string
	LeasedUntil time.Time
	CreatedAt   time.Time
}

// MailingUnit delivers one mailing to one recipient.
type MailingUnit struct {
	MailingID   int64 `json:"mailing_id"`
	RecipientID int64 `json:"recipient_id"`
}

// StepUnit delivers one scenario step to one recipient and, afterwards,
// schedules the next step.
type StepUnit struct {
	ScenarioID  int64 `json:"scenario_id"`
	StepID      int64 `json:"step_id"`
	RecipientID int64 `json:"recipient_id"`
}

// NewJob marshals payload into a job of kind due at runAt.
func NewJob(id string, kind JobKind, payload any, runAt time.Time) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Job{ID: id, Kind: kind, Payload: raw, RunAt: runAt, State: JobPending}, nil
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("job %s (%s): decode payload: %w", j.ID, j.Kind, err)
	}
	return nil
}

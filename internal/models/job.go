package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/laboro/internal/common"
)

// Job is the persistent record of one client request through its full
// lifecycle. Field population depends on the phase: queued jobs carry a
// message id, executing jobs a start time, completed jobs results, errored
// jobs an error. message_id is wire-internal and never serialized to clients.
type Job struct {
	JobID             string          `json:"job_id"`
	Owner             string          `json:"owner"`
	RunID             string          `json:"run_id,omitempty"` // Optional client-supplied tracking tag
	Phase             ExecutionPhase  `json:"phase"`
	CreationTime      time.Time       `json:"creation_time"`
	StartTime         *time.Time      `json:"start_time,omitempty"`
	EndTime           *time.Time      `json:"end_time,omitempty"`
	DestructionTime   time.Time       `json:"destruction_time"`
	ExecutionDuration int64           `json:"execution_duration,omitempty"` // Seconds; 0 means no limit
	Quote             *time.Time      `json:"quote,omitempty"`
	MessageID         string          `json:"-"` // Work queue identifier, internal only
	Parameters        json.RawMessage `json:"parameters,omitempty"`
	Results           []JobResult     `json:"results,omitempty"`
	Error             *JobError       `json:"error,omitempty"`
}

// JobResult is one entry of a job's ordered result list. The first result is
// the primary one used by the synchronous facade.
type JobResult struct {
	ResultID string `json:"result_id"`
	URL      string `json:"url"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// JobError is the structured failure stored on a job in the error phase
type JobError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
}

// JobDescription is the brief form used by the job list
type JobDescription struct {
	JobID        string         `json:"job_id"`
	Owner        string         `json:"owner"`
	Phase        ExecutionPhase `json:"phase"`
	RunID        string         `json:"run_id,omitempty"`
	CreationTime time.Time      `json:"creation_time"`
}

// JobUpdate carries the two mutable job fields for the update operation.
// Nil means the field is not being changed.
type JobUpdate struct {
	DestructionTime   *time.Time
	ExecutionDuration *int64
}

// Availability reports the outcome of the storage probe
type Availability struct {
	Available bool   `json:"available"`
	Note      string `json:"note,omitempty"`
}

// NewJob creates a pending job without an id. The store assigns job_id during
// add; everything else is fixed at creation time.
func NewJob(owner, runID string, params json.RawMessage, executionDuration int64, lifetime time.Duration) *Job {
	now := common.Now()
	return &Job{
		Owner:             owner,
		RunID:             runID,
		Phase:             PhasePending,
		CreationTime:      now,
		DestructionTime:   now.Add(lifetime),
		ExecutionDuration: executionDuration,
		Parameters:        params,
	}
}

// IsTerminal returns true once the job accepts no further transitions
func (j *Job) IsTerminal() bool {
	return j.Phase.IsTerminal()
}

// Description returns the brief job form used by list responses
func (j *Job) Description() *JobDescription {
	return &JobDescription{
		JobID:        j.JobID,
		Owner:        j.Owner,
		Phase:        j.Phase,
		RunID:        j.RunID,
		CreationTime: j.CreationTime,
	}
}

// Validate checks the phase-conditional field population rules
func (j *Job) Validate() error {
	if j.Owner == "" {
		return fmt.Errorf("job owner is required")
	}
	if err := j.Phase.Validate(); err != nil {
		return err
	}
	if j.ExecutionDuration < 0 {
		return fmt.Errorf("execution duration cannot be negative")
	}
	if !j.DestructionTime.After(j.CreationTime) {
		return fmt.Errorf("destruction time must be after creation time")
	}
	switch j.Phase {
	case PhasePending, PhaseHeld:
		if j.StartTime != nil || j.EndTime != nil || j.MessageID != "" || len(j.Results) > 0 || j.Error != nil {
			return fmt.Errorf("job in phase %s must not carry execution state", j.Phase)
		}
	case PhaseQueued:
		if j.MessageID == "" {
			return fmt.Errorf("queued job requires a message id")
		}
		if j.StartTime != nil {
			return fmt.Errorf("queued job must not have a start time")
		}
	case PhaseExecuting:
		if j.StartTime == nil {
			return fmt.Errorf("executing job requires a start time")
		}
		if j.EndTime != nil {
			return fmt.Errorf("executing job must not have an end time")
		}
	case PhaseCompleted:
		if j.StartTime == nil || j.EndTime == nil {
			return fmt.Errorf("completed job requires start and end times")
		}
		if j.Error != nil {
			return fmt.Errorf("completed job must not carry an error")
		}
	case PhaseError:
		if j.EndTime == nil {
			return fmt.Errorf("errored job requires an end time")
		}
		if j.Error == nil {
			return fmt.Errorf("errored job requires an error")
		}
		if len(j.Results) > 0 {
			return fmt.Errorf("errored job must not carry results")
		}
	}
	return nil
}

// MarshalJSON writes the client wire form: UWS timestamps, null fields
// omitted, message_id excluded.
func (j *Job) MarshalJSON() ([]byte, error) {
	type wire struct {
		JobID             string          `json:"job_id"`
		Owner             string          `json:"owner"`
		RunID             string          `json:"run_id,omitempty"`
		Phase             ExecutionPhase  `json:"phase"`
		CreationTime      string          `json:"creation_time"`
		StartTime         string          `json:"start_time,omitempty"`
		EndTime           string          `json:"end_time,omitempty"`
		DestructionTime   string          `json:"destruction_time"`
		ExecutionDuration int64           `json:"execution_duration,omitempty"`
		Quote             string          `json:"quote,omitempty"`
		Parameters        json.RawMessage `json:"parameters,omitempty"`
		Results           []JobResult     `json:"results,omitempty"`
		Error             *JobError       `json:"error,omitempty"`
	}
	w := wire{
		JobID:             j.JobID,
		Owner:             j.Owner,
		RunID:             j.RunID,
		Phase:             j.Phase,
		CreationTime:      common.Isodatetime(j.CreationTime),
		DestructionTime:   common.Isodatetime(j.DestructionTime),
		ExecutionDuration: j.ExecutionDuration,
		Parameters:        j.Parameters,
		Results:           j.Results,
		Error:             j.Error,
	}
	if j.StartTime != nil {
		w.StartTime = common.Isodatetime(*j.StartTime)
	}
	if j.EndTime != nil {
		w.EndTime = common.Isodatetime(*j.EndTime)
	}
	if j.Quote != nil {
		w.Quote = common.Isodatetime(*j.Quote)
	}
	return json.Marshal(w)
}

// MarshalJSON writes the brief wire form with UWS timestamps
func (d *JobDescription) MarshalJSON() ([]byte, error) {
	type wire struct {
		JobID        string         `json:"job_id"`
		Owner        string         `json:"owner"`
		Phase        ExecutionPhase `json:"phase"`
		RunID        string         `json:"run_id,omitempty"`
		CreationTime string         `json:"creation_time"`
	}
	return json.Marshal(wire{
		JobID:        d.JobID,
		Owner:        d.Owner,
		Phase:        d.Phase,
		RunID:        d.RunID,
		CreationTime: common.Isodatetime(d.CreationTime),
	})
}

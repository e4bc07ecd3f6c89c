package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType selects which generation pipeline a job runs through and which input shape it accepts.
type JobType string

const (
	TypeDesign2Code JobType = "design2code"
	TypeRefine      JobType = "refine"
	TypeAnimation   JobType = "animation"
	TypeGenerate    JobType = "generate"
)

// JobTypes lists every accepted job type.
var JobTypes = []JobType{TypeDesign2Code, TypeRefine, TypeAnimation, TypeGenerate}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Status enumerates lifecycle states persisted by every backend.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		// running -> queued only happens when an expired lease is reclaimed.
		return to == StatusCompleted || to == StatusFailed || to == StatusQueued
	}
	return false
}

// CodeBundle is the html/css/js triple produced or refined by a job.
type CodeBundle struct {
	HTML string `json:"html"`
	CSS  string `json:"css"`
	JS   string `json:"js"`
}

// Empty reports whether all three parts are blank.
func (c *CodeBundle) Empty() bool {
	return c == nil || (c.HTML == "" && c.CSS == "" && c.JS == "")
}

// Input is the submitted payload. Which fields are allowed depends on the job type.
type Input struct {
	SourceAssetID string          `json:"source_asset_id,omitempty" validate:"omitempty,max=2048"`
	Prompt        string          `json:"prompt,omitempty" validate:"omitempty,max=16000"`
	Code          *CodeBundle     `json:"code,omitempty"`
	Design        json.RawMessage `json:"design,omitempty"`
}

// Result is stored only on completed jobs.
type Result struct {
	Code    *CodeBundle     `json:"code,omitempty"`
	Design  json.RawMessage `json:"design,omitempty"`
	AssetID string          `json:"asset_id,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Empty reports whether the result carries nothing at all.
func (r Result) Empty() bool {
	return r.Code.Empty() && len(r.Design) == 0 && r.AssetID == "" && r.Message == ""
}

// Meta is advisory processing information reported by the worker.
type Meta struct {
	DurationMS int64  `json:"duration_ms,omitempty"`
	Tokens     int    `json:"tokens,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Job is the unit of asynchronous work.
type Job struct {
	ID             string     `json:"id"`
	Type           JobType    `json:"type"`
	OwnerID        string     `json:"owner_id"`
	ProjectID      *string    `json:"project_id"`
	Input          Input      `json:"input"`
	Status         Status     `json:"status"`
	Result         *Result    `json:"result"`
	Error          *string    `json:"error"`
	Meta           *Meta      `json:"meta,omitempty"`
	Priority       int        `json:"priority"`
	WorkerID       *string    `json:"worker_id,omitempty"`
	Attempts       int        `json:"attempts"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CheckInvariants verifies the result/error nullability rules for the job's status.
func (j Job) CheckInvariants() error {
	if !j.Status.Valid() {
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	if (j.Result != nil) != (j.Status == StatusCompleted) {
		return fmt.Errorf("job %s: result set=%t with status %s", j.ID, j.Result != nil, j.Status)
	}
	if (j.Error != nil) != (j.Status == StatusFailed) {
		return fmt.Errorf("job %s: error set=%t with status %s", j.ID, j.Error != nil, j.Status)
	}
	return nil
}

// Project is the minimal view of a project needed to authorize submissions.
type Project struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Editors   []string  `json:"editors"`
	Viewers   []string  `json:"viewers"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanWrite reports whether userID owns the project or holds the editor role.
func (p Project) CanWrite(userID string) bool {
	if userID == "" {
		return false
	}
	if p.OwnerID == userID {
		return true
	}
	for _, e := range p.Editors {
		if e == userID {
			return true
		}
	}
	return false
}

// CanRead reports whether userID may see the project.
func (p Project) CanRead(userID string) bool {
	if p.CanWrite(userID) {
		return true
	}
	for _, v := range p.Viewers {
		if v == userID {
			return true
		}
	}
	return false
}

// AuditLog is a single recorded lifecycle transition.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

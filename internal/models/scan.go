// Package models provides data model definitions for the mango-lens core.
package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the processing state of a scan job.
type JobStatus int

const (
	StatusPending   JobStatus = 1
	StatusProcessed JobStatus = 2
	StatusFailed    JobStatus = 3
)

// String returns a human-readable status name.
func (s JobStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessed:
		return "processed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Valid reports whether the status is one of the known states.
func (s JobStatus) Valid() bool {
	return s == StatusPending || s == StatusProcessed || s == StatusFailed
}

// ScanJob represents a captured leaf image awaiting or having undergone
// inference. The image bytes are immutable after creation; only Status
// changes over the job's lifetime.
type ScanJob struct {
	ID       int64     `db:"id" json:"id"`
	OwnerID  string    `db:"owner_id" json:"owner_id"`
	TreeCode string    `db:"tree_code" json:"tree_code"`
	Image    []byte    `db:"image" json:"-"`
	Status   JobStatus `db:"status" json:"status"`
	AddedAt  int64     `db:"added_at" json:"added_at"`
}

// TableName returns the table name for ScanJob.
func (ScanJob) TableName() string {
	return "scan_jobs"
}

// AddedAtTime returns AddedAt as time.Time.
func (j *ScanJob) AddedAtTime() time.Time {
	return time.Unix(j.AddedAt, 0)
}

// DiseasePrediction is a single classified disease with its likelihood
// expressed as a percentage in [0,100], rounded to one decimal place.
type DiseasePrediction struct {
	DiseaseName string  `json:"disease_name"`
	Likelihood  float64 `json:"likelihood_score"`
}

// ScanResult holds the completed analysis for a processed job. It shares
// identity with the job it was produced from and is created exactly once.
type ScanResult struct {
	JobID         int64               `db:"job_id" json:"job_id"`
	TreeCode      string              `db:"tree_code" json:"tree_code"`
	OriginalImage []byte              `db:"original_image" json:"-"`
	AnalyzedImage []byte              `db:"analyzed_image" json:"-"`
	Diseases      []DiseasePrediction `db:"diseases" json:"diseases"`
	CreatedAt     int64               `db:"created_at" json:"created_at"`
}

// TableName returns the table name for ScanResult.
func (ScanResult) TableName() string {
	return "scan_results"
}

// MarshalDiseases serializes the prediction sequence for storage.
func (r *ScanResult) MarshalDiseases() ([]byte, error) {
	return json.Marshal(r.Diseases)
}

// UnmarshalDiseases restores the prediction sequence from storage.
func (r *ScanResult) UnmarshalDiseases(data []byte) error {
	return json.Unmarshal(data, &r.Diseases)
}

// JobView pairs a job with its result. Result is non-nil only when the
// job status is Processed, so the presence of an analysis is carried by
// the shape rather than inferred from a second query.
type JobView struct {
	Job    *ScanJob    `json:"job"`
	Result *ScanResult `json:"result,omitempty"`
}

// Package db provides repository interfaces for scan persistence.
package db

import (
	"github.com/almonsour13/mango-lens-sub001/internal/models"
)

// JobStore defines operations on pending scan jobs.
type JobStore interface {
	// EnqueueJob inserts a new Pending job and assigns its identifier.
	EnqueueJob(job *models.ScanJob) error

	// GetJob retrieves a job by ID.
	GetJob(id int64) (*models.ScanJob, error)

	// ListJobsByOwner returns all jobs for an owner, newest first.
	ListJobsByOwner(ownerID string) ([]*models.ScanJob, error)

	// ListJobIDsByStatus returns job IDs in a status, insertion order.
	ListJobIDsByStatus(ownerID string, status models.JobStatus) ([]int64, error)

	// UpdateJobStatus transitions a job; missing jobs surface NOT_FOUND.
	UpdateJobStatus(id int64, status models.JobStatus) error

	// DeleteJobs removes jobs best-effort; missing IDs are ignored.
	DeleteJobs(ids []int64) (int64, error)
}

// ResultStore defines operations on completed analyses.
type ResultStore interface {
	// SaveResult stores the analysis for a job.
	SaveResult(res *models.ScanResult) error

	// GetResult returns the result for a job, nil when absent.
	GetResult(jobID int64) (*models.ScanResult, error)

	// DeleteResults removes results best-effort; missing IDs are ignored.
	DeleteResults(jobIDs []int64) (int64, error)
}

// ProfileStore defines operations on the cached user profile.
type ProfileStore interface {
	SaveProfile(p *models.UserProfile) error
	GetProfile(ownerID string) (*models.UserProfile, error)
}

// ScanStore groups the stores the processor and reconciler operate on.
type ScanStore interface {
	JobStore
	ResultStore

	// GetJobView returns a job paired with its result when processed.
	GetJobView(id int64) (*models.JobView, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ JobStore     = (*Repository)(nil)
	_ ResultStore  = (*Repository)(nil)
	_ ProfileStore = (*Repository)(nil)
	_ ScanStore    = (*Repository)(nil)
)

// Package db provides CRUD repository operations for scan jobs and results.
package db

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/almonsour13/mango-lens-sub001/internal/errors"
	"github.com/almonsour13/mango-lens-sub001/internal/models"
)

// Repository provides persistence for scan jobs, results and profile cache.
// It is the single owner of local job state: all mutation goes through its
// narrow contract, no component touches the tables directly.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// ScanJob Operations (Job Store)
// =====================================================

// EnqueueJob inserts a new job with status Pending. The store assigns the
// identifier (monotonic AUTOINCREMENT) and sets AddedAt. Image bytes are
// stored as-is, never as a data URL.
func (r *Repository) EnqueueJob(job *models.ScanJob) error {
	if job.OwnerID == "" || job.TreeCode == "" {
		return apperrors.New(apperrors.ErrValidation, "owner and tree code are required")
	}
	if len(job.Image) == 0 {
		return apperrors.New(apperrors.ErrValidation, "job image must not be empty")
	}

	job.Status = models.StatusPending
	job.AddedAt = time.Now().Unix()

	query := `
	INSERT INTO scan_jobs (owner_id, tree_code, image, status, added_at)
	VALUES (?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query, job.OwnerID, job.TreeCode, job.Image, job.Status, job.AddedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue job", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read assigned job id", err)
	}
	job.ID = id
	return nil
}

// GetJob retrieves a job by ID.
func (r *Repository) GetJob(id int64) (*models.ScanJob, error) {
	query := `
	SELECT id, owner_id, tree_code, image, status, added_at
	FROM scan_jobs WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var job models.ScanJob
	err = stmt.QueryRow(id).Scan(&job.ID, &job.OwnerID, &job.TreeCode,
		&job.Image, &job.Status, &job.AddedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("job %d not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read job", err)
	}
	return &job, nil
}

// ListJobsByOwner returns all jobs for an owner, newest first.
func (r *Repository) ListJobsByOwner(ownerID string) ([]*models.ScanJob, error) {
	query := `
	SELECT id, owner_id, tree_code, image, status, added_at
	FROM scan_jobs WHERE owner_id = ?
	ORDER BY added_at DESC, id DESC
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(ownerID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list jobs", err)
	}
	defer rows.Close()

	var jobs []*models.ScanJob
	for rows.Next() {
		var job models.ScanJob
		if err := rows.Scan(&job.ID, &job.OwnerID, &job.TreeCode,
			&job.Image, &job.Status, &job.AddedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan job row", err)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate jobs", err)
	}
	return jobs, nil
}

// ListJobIDsByStatus returns job IDs for an owner in the given status, in
// insertion order. Used by retry and bulk-processing flows.
func (r *Repository) ListJobIDsByStatus(ownerID string, status models.JobStatus) ([]int64, error) {
	query := `SELECT id FROM scan_jobs WHERE owner_id = ? AND status = ? ORDER BY id`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(ownerID, status)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list job ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan job id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateJobStatus transitions a job to a new status. A missing job surfaces
// NOT_FOUND: during processing it signals the job was deleted mid-flight and
// the caller must not resurrect it.
func (r *Repository) UpdateJobStatus(id int64, status models.JobStatus) error {
	if !status.Valid() {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("invalid status %d", status))
	}

	result, err := r.db.Exec(`UPDATE scan_jobs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update job status", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("job %d not found", id))
	}
	return nil
}

// DeleteJobs removes the given jobs in one best-effort pass. IDs not present
// in the store are ignored; they never abort deletion of the valid ones.
// Associated results are removed by the foreign key cascade. Returns the
// number of jobs actually deleted.
func (r *Repository) DeleteJobs(ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`DELETE FROM scan_jobs WHERE id IN (%s)`, placeholders(len(ids)))
	result, err := r.db.Exec(query, int64Args(ids)...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to delete jobs", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

// =====================================================
// ScanResult Operations (Result Store)
// =====================================================

// SaveResult stores the analysis for a job. Inserting against a job that no
// longer exists violates the foreign key and surfaces NOT_FOUND, which the
// processor treats as "job deleted mid-processing".
func (r *Repository) SaveResult(res *models.ScanResult) error {
	diseases, err := res.MarshalDiseases()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "failed to serialize diseases", err)
	}

	res.CreatedAt = time.Now().Unix()

	query := `
	INSERT INTO scan_results (job_id, tree_code, original_image, analyzed_image, diseases, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query, res.JobID, res.TreeCode, res.OriginalImage,
		res.AnalyzedImage, string(diseases), res.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return apperrors.New(apperrors.ErrNotFound,
				fmt.Sprintf("job %d no longer exists", res.JobID))
		}
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save result", err)
	}
	return nil
}

// GetResult retrieves the result for a job. A missing result is a valid
// state (job not yet processed) and returns nil without error.
func (r *Repository) GetResult(jobID int64) (*models.ScanResult, error) {
	query := `
	SELECT job_id, tree_code, original_image, analyzed_image, diseases, created_at
	FROM scan_results WHERE job_id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var res models.ScanResult
	var diseases string
	err = stmt.QueryRow(jobID).Scan(&res.JobID, &res.TreeCode,
		&res.OriginalImage, &res.AnalyzedImage, &diseases, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read result", err)
	}
	if err := res.UnmarshalDiseases([]byte(diseases)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt disease payload", err)
	}
	return &res, nil
}

// DeleteResults removes results for the given job IDs, best-effort like
// DeleteJobs. Returns the number of results actually deleted.
func (r *Repository) DeleteResults(jobIDs []int64) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`DELETE FROM scan_results WHERE job_id IN (%s)`, placeholders(len(jobIDs)))
	result, err := r.db.Exec(query, int64Args(jobIDs)...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to delete results", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

// GetJobView returns the job together with its result when processed. The
// result field is populated only for Processed jobs, so callers see the
// analysis presence encoded in the returned shape.
func (r *Repository) GetJobView(id int64) (*models.JobView, error) {
	job, err := r.GetJob(id)
	if err != nil {
		return nil, err
	}

	view := &models.JobView{Job: job}
	if job.Status == models.StatusProcessed {
		res, err := r.GetResult(id)
		if err != nil {
			return nil, err
		}
		view.Result = res
	}
	return view, nil
}

// JobStats returns per-status job counts for an owner.
func (r *Repository) JobStats(ownerID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM scan_jobs WHERE owner_id = ? GROUP BY status`
	rows, err := r.db.Query(query, ownerID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to count jobs", err)
	}
	defer rows.Close()

	stats := map[string]int{
		"total":     0,
		"pending":   0,
		"processed": 0,
		"failed":    0,
	}
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan stats", err)
		}
		stats[status.String()] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

// =====================================================
// UserProfile Operations (profile cache)
// =====================================================

// SaveProfile inserts or replaces the cached profile for an owner.
func (r *Repository) SaveProfile(p *models.UserProfile) error {
	if p.OwnerID == "" {
		return apperrors.New(apperrors.ErrValidation, "owner id is required")
	}
	p.Touch()

	query := `
	INSERT INTO user_profiles (owner_id, name, email, image, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET
		name = excluded.name,
		email = excluded.email,
		image = excluded.image,
		updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, p.OwnerID, p.Name, p.Email, p.Image, p.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save profile", err)
	}
	return nil
}

// GetProfile retrieves the cached profile for an owner.
func (r *Repository) GetProfile(ownerID string) (*models.UserProfile, error) {
	query := `SELECT owner_id, name, email, image, updated_at FROM user_profiles WHERE owner_id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var p models.UserProfile
	err = stmt.QueryRow(ownerID).Scan(&p.OwnerID, &p.Name, &p.Email, &p.Image, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("profile %s not found", ownerID))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read profile", err)
	}
	return &p, nil
}

// =====================================================
// helpers
// =====================================================

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

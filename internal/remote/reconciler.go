package remote

import (
	"context"

	"github.com/almonsour13/mango-lens-sub001/internal/db"
	apperrors "github.com/almonsour13/mango-lens-sub001/internal/errors"
	"github.com/almonsour13/mango-lens-sub001/internal/logging"
	"github.com/almonsour13/mango-lens-sub001/internal/models"
)

// Reconciler moves completed scans from the local store to the remote
// server. Local copies are purged only after the remote acknowledges the
// submission, so a failed save never loses data.
type Reconciler struct {
	store  db.ScanStore
	client Client
}

func NewReconciler(store db.ScanStore, client Client) *Reconciler {
	return &Reconciler{store: store, client: client}
}

// Save submits one processed job and, on acknowledgement, deletes the
// local job and result. Unprocessed jobs are rejected; a remote failure
// leaves everything intact for a later retry.
func (r *Reconciler) Save(ctx context.Context, jobID int64) error {
	view, err := r.store.GetJobView(jobID)
	if err != nil {
		return err
	}
	if view.Result == nil {
		return apperrors.New(apperrors.ErrValidation, "job has no completed analysis to save")
	}

	if err := r.client.Submit(ctx, view.Job.OwnerID, view.Result); err != nil {
		logging.Warn("remote save failed, keeping local copy", map[string]interface{}{
			"job_id": jobID, "error": err.Error(),
		})
		return err
	}

	// Acknowledged. One job delete removes the result too via cascade, so
	// the purge cannot half-complete.
	if _, err := r.store.DeleteJobs([]int64{jobID}); err != nil {
		return err
	}

	logging.Info("scan reconciled to remote", map[string]interface{}{"job_id": jobID})
	return nil
}

// SaveAll submits every processed job for an owner, continuing past
// per-item failures. It returns the number of scans acknowledged and
// purged.
func (r *Reconciler) SaveAll(ctx context.Context, ownerID string) (int, error) {
	ids, err := r.store.ListJobIDsByStatus(ownerID, models.StatusProcessed)
	if err != nil {
		return 0, err
	}

	saved := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return saved, ctx.Err()
		}
		if err := r.Save(ctx, id); err != nil {
			continue
		}
		saved++
	}
	return saved, nil
}

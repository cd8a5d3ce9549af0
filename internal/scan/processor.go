package scan

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/almonsour13/mango-lens-sub001/internal/db"
	apperrors "github.com/almonsour13/mango-lens-sub001/internal/errors"
	"github.com/almonsour13/mango-lens-sub001/internal/heatmap"
	"github.com/almonsour13/mango-lens-sub001/internal/imgcodec"
	"github.com/almonsour13/mango-lens-sub001/internal/inference"
	"github.com/almonsour13/mango-lens-sub001/internal/logging"
	"github.com/almonsour13/mango-lens-sub001/internal/models"
	"github.com/almonsour13/mango-lens-sub001/internal/telemetry"
)

// Outcome classifies what a single processing attempt did to a job.
type Outcome int

const (
	// OutcomeProcessed means the job ran through the full pipeline and a
	// result was stored.
	OutcomeProcessed Outcome = iota

	// OutcomeSkipped means the job was already processed, or another
	// goroutine was processing it.
	OutcomeSkipped

	// OutcomeMissing means the job was not found, either before the run
	// started or because it was deleted mid-flight.
	OutcomeMissing

	// OutcomeFailed means the pipeline errored and the job was marked
	// failed. It stays retryable.
	OutcomeFailed

	// OutcomeDeferred means the model could not be loaded. The job keeps
	// its pending status and a later attempt retries everything.
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeMissing:
		return "missing"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// BatchReport summarizes a bulk processing run. Attempted is always the
// number of IDs handed in; the other counters partition it.
type BatchReport struct {
	Attempted int `json:"attempted"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Missing   int `json:"missing"`
	Failed    int `json:"failed"`
}

// Processor runs pending jobs through decode, inference, explainability
// rendering and result persistence. It is safe for concurrent use; a given
// job is processed by at most one goroutine at a time.
type Processor struct {
	store     db.ScanStore
	loader    *inference.Loader
	threshold float64
	width     int
	height    int
	pacer     Pacer
	notifier  *Notifier
	render    renderFunc

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// renderFunc produces the analyzed image bytes, or nil when rendering
// fails and the result should carry the original image instead.
type renderFunc func(model *inference.Model, pred *inference.Prediction, base image.Image, jobID int64) []byte

// Options tune the processor. Zero values fall back to safe defaults.
type Options struct {
	// RelevanceThreshold is the minimum likelihood percentage a class must
	// exceed to appear in a result.
	RelevanceThreshold float64

	// CanonicalWidth and CanonicalHeight fix the stored image size.
	CanonicalWidth  int
	CanonicalHeight int

	// BatchInterval is the pause between items in a bulk run.
	BatchInterval time.Duration
}

func NewProcessor(store db.ScanStore, loader *inference.Loader, opts Options) *Processor {
	if opts.CanonicalWidth <= 0 {
		opts.CanonicalWidth = 500
	}
	if opts.CanonicalHeight <= 0 {
		opts.CanonicalHeight = 500
	}
	p := &Processor{
		store:     store,
		loader:    loader,
		threshold: opts.RelevanceThreshold,
		width:     opts.CanonicalWidth,
		height:    opts.CanonicalHeight,
		pacer:     FixedPacer{Interval: opts.BatchInterval},
		notifier:  NewNotifier(),
		inFlight:  make(map[int64]struct{}),
	}
	p.render = p.renderAnalyzed
	return p
}

// SetPacer replaces the pacing strategy for bulk runs.
func (p *Processor) SetPacer(pacer Pacer) {
	p.pacer = pacer
}

// Notifier exposes the event stream for status subscribers.
func (p *Processor) Notifier() *Notifier {
	return p.notifier
}

// ProcessOne runs a single job through the pipeline. Already-processed jobs
// are skipped, a model load failure leaves the job pending, and any other
// pipeline error marks it failed. The outcome is meaningful even when an
// error is returned.
func (p *Processor) ProcessOne(ctx context.Context, jobID int64) (Outcome, error) {
	if !p.acquire(jobID) {
		logging.Debug("job already in flight", map[string]interface{}{"job_id": jobID})
		return OutcomeSkipped, nil
	}
	defer p.release(jobID)

	job, err := p.store.GetJob(jobID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return OutcomeMissing, err
		}
		return OutcomeFailed, err
	}
	if job.Status == models.StatusProcessed {
		return OutcomeSkipped, nil
	}

	model, err := p.loader.Load(ctx)
	if err != nil {
		// The job keeps its pending status; a later run retries the load.
		logging.Warn("model unavailable, deferring job", map[string]interface{}{
			"job_id": jobID,
		})
		return OutcomeDeferred, err
	}

	p.notifier.Publish(Event{Kind: EventScanStarted, JobID: job.ID, OwnerID: job.OwnerID})

	start := time.Now()
	result, err := p.analyze(model, job)
	telemetry.RecordTiming("pipeline.analyze", time.Since(start))
	if err != nil {
		telemetry.RecordCount("jobs.failed", 1)
		p.markFailed(job)
		return OutcomeFailed, err
	}

	if err := p.store.SaveResult(result); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// Deleted mid-flight. Nothing was stored; discard the work.
			return OutcomeMissing, err
		}
		p.markFailed(job)
		return OutcomeFailed, err
	}

	if err := p.store.UpdateJobStatus(job.ID, models.StatusProcessed); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// The job vanished between saving the result and the status
			// update. Remove the orphaned result.
			if _, derr := p.store.DeleteResults([]int64{job.ID}); derr != nil {
				logging.Error("orphan result cleanup failed", derr, map[string]interface{}{
					"job_id": job.ID,
				})
			}
			return OutcomeMissing, err
		}
		return OutcomeFailed, err
	}

	telemetry.RecordCount("jobs.processed", 1)
	p.notifier.Publish(Event{Kind: EventScanCompleted, JobID: job.ID, OwnerID: job.OwnerID})
	logging.Info("job processed", map[string]interface{}{
		"job_id":   job.ID,
		"diseases": len(result.Diseases),
	})
	return OutcomeProcessed, nil
}

// analyze runs decode, inference and rendering for one job and assembles
// the result. Rendering failures degrade to the original image instead of
// failing the job.
func (p *Processor) analyze(model *inference.Model, job *models.ScanJob) (*models.ScanResult, error) {
	img, err := imgcodec.DecodeImage(job.Image)
	if err != nil {
		return nil, err
	}

	input := model.Preprocess(img)
	pred, err := model.Predict(input)
	input.Release()
	if err != nil {
		return nil, err
	}
	defer pred.Trace.Release()

	diseases := inference.TopPredictions(pred.Scores, model.Classes(), p.threshold)

	original, err := imgcodec.ResizeBytes(job.Image, p.width, p.height)
	if err != nil {
		return nil, err
	}

	analyzed := p.render(model, pred, img, job.ID)
	if analyzed == nil {
		analyzed = original
	}

	return &models.ScanResult{
		JobID:         job.ID,
		TreeCode:      job.TreeCode,
		OriginalImage: original,
		AnalyzedImage: analyzed,
		Diseases:      diseases,
		CreatedAt:     time.Now().Unix(),
	}, nil
}

// renderAnalyzed produces the canonical-size explainability overlay, or nil
// when rendering fails.
func (p *Processor) renderAnalyzed(model *inference.Model, pred *inference.Prediction, base image.Image, jobID int64) []byte {
	cam, err := heatmap.ActivationMap(model, pred.Trace, pred.TopClass)
	if err != nil {
		logging.Warn("activation map unavailable", map[string]interface{}{
			"job_id": jobID, "error": err.Error(),
		})
		return nil
	}

	overlay, err := heatmap.RenderOverlay(cam, base, model.IsHealthy(pred.TopClass))
	if err != nil {
		logging.Warn("overlay rendering failed", map[string]interface{}{
			"job_id": jobID, "error": err.Error(),
		})
		return nil
	}

	png, err := imgcodec.EncodePNG(overlay)
	if err != nil {
		return nil
	}
	resized, err := imgcodec.ResizeBytes(png, p.width, p.height)
	if err != nil {
		return nil
	}
	return resized
}

// ProcessMany runs a set of jobs sequentially with the configured pacing.
// Item failures never abort the run; only a model load failure does, since
// it would repeat for every remaining item and those jobs stay pending.
func (p *Processor) ProcessMany(ctx context.Context, jobIDs []int64) (*BatchReport, error) {
	report := &BatchReport{Attempted: len(jobIDs)}

	for i, id := range jobIDs {
		if i > 0 {
			if err := p.pacer.Pause(ctx); err != nil {
				return report, err
			}
		}

		outcome, err := p.ProcessOne(ctx, id)
		switch outcome {
		case OutcomeProcessed:
			report.Processed++
		case OutcomeSkipped:
			report.Skipped++
		case OutcomeMissing:
			report.Missing++
		case OutcomeFailed:
			report.Failed++
			logging.Warn("job failed in batch", map[string]interface{}{
				"job_id": id, "error": err.Error(),
			})
		case OutcomeDeferred:
			return report, err
		}
	}
	return report, nil
}

// ProcessPending runs every pending job for an owner.
func (p *Processor) ProcessPending(ctx context.Context, ownerID string) (*BatchReport, error) {
	ids, err := p.store.ListJobIDsByStatus(ownerID, models.StatusPending)
	if err != nil {
		return nil, err
	}
	return p.ProcessMany(ctx, ids)
}

// RetryFailed re-runs every failed job for an owner through the pipeline.
func (p *Processor) RetryFailed(ctx context.Context, ownerID string) (*BatchReport, error) {
	ids, err := p.store.ListJobIDsByStatus(ownerID, models.StatusFailed)
	if err != nil {
		return nil, err
	}
	return p.ProcessMany(ctx, ids)
}

func (p *Processor) markFailed(job *models.ScanJob) {
	if err := p.store.UpdateJobStatus(job.ID, models.StatusFailed); err != nil &&
		!apperrors.Is(err, apperrors.ErrNotFound) {
		logging.Error("status update failed", err, map[string]interface{}{
			"job_id": job.ID,
		})
	}
	p.notifier.Publish(Event{Kind: EventScanFailed, JobID: job.ID, OwnerID: job.OwnerID})
}

func (p *Processor) acquire(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[id]; busy {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) release(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

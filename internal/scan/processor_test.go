// Package scan provides unit tests for the job processor.
package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/almonsour13/mango-lens-sub001/internal/db"
	apperrors "github.com/almonsour13/mango-lens-sub001/internal/errors"
	"github.com/almonsour13/mango-lens-sub001/internal/imgcodec"
	"github.com/almonsour13/mango-lens-sub001/internal/inference"
	"github.com/almonsour13/mango-lens-sub001/internal/models"
)

func setupStore(t *testing.T) *db.Repository {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, db.NewMigrator(database.DB).Up())
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// testArtifactJSON is a tiny deterministic model: one center-tap conv
// layer with max-pool and a 3-class dense head.
func testArtifactJSON(t *testing.T) []byte {
	t.Helper()

	kernels := make([][][][]float64, 4)
	for oc := range kernels {
		kernels[oc] = make([][][]float64, 3)
		for ic := range kernels[oc] {
			k := [][]float64{{0, 0, 0}, {0, 0, 0}, {0, 0, 0}}
			k[1][1] = float64(oc+1) * 0.1
			kernels[oc][ic] = k
		}
	}

	a := &inference.Artifact{
		Version:      1,
		InputSize:    8,
		Classes:      []string{"Healthy", "Anthracnose", "Sooty Mould"},
		HealthyClass: "Healthy",
		Conv:         []inference.ConvLayer{{Kernels: kernels, Bias: []float64{0, 0, 0, 0}, MaxPool: true}},
		DenseWeights: [][]float64{{1, 0, 0, 0}, {0, 2, 0, 0}, {0, 0, 1, 0}},
		DenseBias:    []float64{0, 0.5, 0},
	}
	data, err := json.Marshal(a)
	require.NoError(t, err)
	return data
}

func testLoader(t *testing.T) *inference.Loader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, testArtifactJSON(t), 0o644))
	return inference.NewLoader(path)
}

func leafPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 60, G: 150, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func enqueue(t *testing.T, store *db.Repository, image []byte) *models.ScanJob {
	t.Helper()
	job := &models.ScanJob{OwnerID: "farmer-1", TreeCode: "TREE-001", Image: image}
	require.NoError(t, store.EnqueueJob(job))
	return job
}

func testProcessor(t *testing.T, store *db.Repository) *Processor {
	t.Helper()
	p := NewProcessor(store, testLoader(t), Options{
		RelevanceThreshold: 30,
		CanonicalWidth:     64,
		CanonicalHeight:    64,
	})
	p.SetPacer(NopPacer{})
	return p
}

func TestProcessOneStoresResult(t *testing.T) {
	store := setupStore(t)
	p := testProcessor(t, store)
	job := enqueue(t, store, leafPNG(t))

	outcome, err := p.ProcessOne(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessed, got.Status)

	res, err := store.GetResult(job.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, job.TreeCode, res.TreeCode)
	require.NotEmpty(t, res.OriginalImage)
	require.NotEmpty(t, res.AnalyzedImage)

	// Both stored images are decodable and at the canonical size.
	for _, data := range [][]byte{res.OriginalImage, res.AnalyzedImage} {
		img, err := imgcodec.DecodeImage(data)
		require.NoError(t, err)
		require.Equal(t, 64, img.Bounds().Dx())
		require.Equal(t, 64, img.Bounds().Dy())
	}
}

func TestProcessOneIsIdempotent(t *testing.T) {
	store := setupStore(t)
	p := testProcessor(t, store)
	job := enqueue(t, store, leafPNG(t))

	outcome, err := p.ProcessOne(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)

	first, err := store.GetResult(job.ID)
	require.NoError(t, err)

	outcome, err = p.ProcessOne(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, outcome)

	second, err := store.GetResult(job.ID)
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.True(t, bytes.Equal(first.AnalyzedImage, second.AnalyzedImage))
}

func TestProcessOneMissingJob(t *testing.T) {
	store := setupStore(t)
	p := testProcessor(t, store)

	outcome, err := p.ProcessOne(context.Background(), 9999)
	require.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	require.Equal(t, OutcomeMissing, outcome)
}

func TestProcessOneMarksCorruptImageFailed(t *testing.T) {
	store := setupStore(t)
	p := testProcessor(t, store)
	job := enqueue(t, store, []byte("not an image"))

	outcome, err := p.ProcessOne(context.Background(), job.ID)
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, outcome)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)

	res, err := store.GetResult(job.ID)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestProcessOneFallsBackToOriginalWhenRenderingFails(t *testing.T) {
	store := setupStore(t)
	p := testProcessor(t, store)
	job := enqueue(t, store, leafPNG(t))

	// Rendering fails, prediction succeeds. The job must still complete
	// with the original image standing in for the analyzed one.
	p.render = func(*inference.Model, *inference.Prediction, image.Image, int64) []byte {
		return nil
	}

	outcome, err := p.ProcessOne(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessed, got.Status)

	res, err := store.GetResult(job.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotEmpty(t, res.OriginalImage)
	require.True(t, bytes.Equal(res.OriginalImage, res.AnalyzedImage))
}

func TestProcessOneDefersWhenModelUnavailable(t *testing.T) {
	store := setupStore(t)
	p := NewProcessor(store, inference.NewLoader("/nonexistent/model.json"), Options{})
	job := enqueue(t, store, leafPNG(t))

	outcome, err := p.ProcessOne(context.Background(), job.ID)
	require.True(t, apperrors.Is(err, apperrors.ErrModelLoad))
	require.Equal(t, OutcomeDeferred, outcome)

	// The job stays pending so a later attempt retries everything.
	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
}

func TestProcessManyContinuesPastFailures(t *testing.T) {
	store := setupStore(t)
	p := testProcessor(t, store)

	a := enqueue(t, store, leafPNG(t))
	b := enqueue(t, store, []byte("garbage"))
	c := enqueue(t, store, leafPNG(t))

	report, err := p.ProcessMany(context.Background(), []int64{a.ID, b.ID, c.ID})
	require.NoError(t, err)
	require.Equal(t, 3, report.Attempted)
	require.Equal(t, 2, report.Processed)
	require.Equal(t, 1, report.Failed)

	for id, want := range map[int64]models.JobStatus{
		a.ID: models.StatusProcessed,
		b.ID: models.StatusFailed,
		c.ID: models.StatusProcessed,
	} {
		got, err := store.GetJob(id)
		require.NoError(t, err)
		require.Equal(t, want, got.Status, "job %d", id)
	}
}

func TestProcessManyEmptySet(t *testing.T) {
	store := setupStore(t)
	p := testProcessor(t, store)

	report, err := p.ProcessMany(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, report.Attempted)
}

// countingPacer records how many pauses a bulk run takes.
type countingPacer struct {
	calls int
}

func (c *countingPacer) Pause(ctx context.Context) error {
	c.calls++
	return ctx.Err()
}

func TestProcessManyPacesBetweenItems(t *testing.T) {
	store := setupStore(t)
	p := testProcessor(t, store)
	pacer := &countingPacer{}
	p.SetPacer(pacer)

	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, enqueue(t, store, leafPNG(t)).ID)
	}

	_, err := p.ProcessMany(context.Background(), ids)
	require.NoError(t, err)

	// Pacing happens between items, not before the first one.
	require.Equal(t, 2, pacer.calls)
}

func TestProcessManyStopsOnCancel(t *testing.T) {
	store := setupStore(t)
	p := testProcessor(t, store)

	a := enqueue(t, store, leafPNG(t))
	b := enqueue(t, store, leafPNG(t))

	ctx, cancel := context.WithCancel(context.Background())
	p.SetPacer(pacerFunc(func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}))

	report, err := p.ProcessMany(ctx, []int64{a.ID, b.ID})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, report.Processed)

	got, err := store.GetJob(b.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
}

type pacerFunc func(ctx context.Context) error

func (f pacerFunc) Pause(ctx context.Context) error { return f(ctx) }

func TestRetryFailedReprocesses(t *testing.T) {
	store := setupStore(t)
	p := testProcessor(t, store)

	good := enqueue(t, store, leafPNG(t))
	bad := enqueue(t, store, []byte("garbage"))
	_, err := p.ProcessMany(context.Background(), []int64{good.ID, bad.ID})
	require.NoError(t, err)

	// The corrupt image stays corrupt, so the retry fails again but the
	// already-processed job is untouched.
	report, err := p.RetryFailed(context.Background(), "farmer-1")
	require.NoError(t, err)
	require.Equal(t, 1, report.Attempted)
	require.Equal(t, 1, report.Failed)

	got, err := store.GetJob(good.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessed, got.Status)
}

func TestProcessPendingPicksUpQueue(t *testing.T) {
	store := setupStore(t)
	p := testProcessor(t, store)

	enqueue(t, store, leafPNG(t))
	enqueue(t, store, leafPNG(t))

	report, err := p.ProcessPending(context.Background(), "farmer-1")
	require.NoError(t, err)
	require.Equal(t, 2, report.Attempted)
	require.Equal(t, 2, report.Processed)

	// A second sweep finds nothing pending.
	report, err = p.ProcessPending(context.Background(), "farmer-1")
	require.NoError(t, err)
	require.Zero(t, report.Attempted)
}

func TestNotifierReceivesLifecycleEvents(t *testing.T) {
	store := setupStore(t)
	p := testProcessor(t, store)
	job := enqueue(t, store, leafPNG(t))

	var mu sync.Mutex
	var kinds []EventKind
	p.Notifier().Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
		require.Equal(t, job.ID, ev.JobID)
		require.Equal(t, "farmer-1", ev.OwnerID)
		require.False(t, ev.At.IsZero())
	})

	_, err := p.ProcessOne(context.Background(), job.ID)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []EventKind{EventScanStarted, EventScanCompleted}, kinds)
}

func TestConcurrentProcessOneSingleResult(t *testing.T) {
	store := setupStore(t)
	p := testProcessor(t, store)
	job := enqueue(t, store, leafPNG(t))

	// Warm the model so both goroutines race on the job, not the load.
	_, err := p.loader.Load(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = p.ProcessOne(context.Background(), job.ID)
		}(i)
	}
	wg.Wait()

	processed := 0
	for _, o := range outcomes {
		switch o {
		case OutcomeProcessed:
			processed++
		case OutcomeSkipped:
		default:
			t.Fatalf("unexpected outcome %v", o)
		}
	}
	require.Equal(t, 1, processed)

	res, err := store.GetResult(job.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
}

// Package remote reconciles locally completed scans with the farm server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/almonsour13/mango-lens-sub001/internal/errors"
	"github.com/almonsour13/mango-lens-sub001/internal/imgcodec"
	"github.com/almonsour13/mango-lens-sub001/internal/models"
)

// Client submits completed scans to the remote farm server.
type Client interface {
	// Submit uploads one result. A nil return means the server durably
	// acknowledged the scan.
	Submit(ctx context.Context, ownerID string, res *models.ScanResult) error
}

// idempotencyNS namespaces the per-job idempotency keys so the server can
// deduplicate retried submissions.
var idempotencyNS = uuid.MustParse("7f1c8d7e-9f34-4a14-8a21-5b0c3de2a9c4")

// IdempotencyKey derives a stable key from the job identifier. Retries of
// the same job always carry the same key.
func IdempotencyKey(jobID int64) string {
	return uuid.NewSHA1(idempotencyNS, []byte(fmt.Sprintf("scan-%d", jobID))).String()
}

// submission is the wire payload. Images travel as data URLs, matching the
// read-time representation the dashboard consumes.
type submission struct {
	OwnerID string      `json:"owner_id"`
	Scan    scanPayload `json:"scan"`
}

type scanPayload struct {
	JobID         int64                      `json:"job_id"`
	TreeCode      string                     `json:"tree_code"`
	OriginalImage string                     `json:"original_image"`
	AnalyzedImage string                     `json:"analyzed_image"`
	Diseases      []models.DiseasePrediction `json:"diseases"`
	CreatedAt     int64                      `json:"created_at"`
}

// HTTPClient posts scans to a single endpoint.
type HTTPClient struct {
	endpoint string
	httpc    *http.Client
}

func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		httpc:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Submit(ctx context.Context, ownerID string, res *models.ScanResult) error {
	if c.endpoint == "" {
		return apperrors.New(apperrors.ErrRemoteSave, "no remote endpoint configured")
	}

	body, err := json.Marshal(submission{
		OwnerID: ownerID,
		Scan: scanPayload{
			JobID:         res.JobID,
			TreeCode:      res.TreeCode,
			OriginalImage: imgcodec.DecodeToDataURL(res.OriginalImage),
			AnalyzedImage: imgcodec.DecodeToDataURL(res.AnalyzedImage),
			Diseases:      res.Diseases,
			CreatedAt:     res.CreatedAt,
		},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteSave, "encoding submission", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteSave, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", IdempotencyKey(res.JobID))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteSave, "submitting scan", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.New(apperrors.ErrRemoteSave,
			fmt.Sprintf("remote returned status %d", resp.StatusCode))
	}
	return nil
}

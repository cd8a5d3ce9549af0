// Package main provides REST handlers for the local scan dashboard.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/almonsour13/mango-lens-sub001/internal/db"
	apperrors "github.com/almonsour13/mango-lens-sub001/internal/errors"
	"github.com/almonsour13/mango-lens-sub001/internal/imgcodec"
	"github.com/almonsour13/mango-lens-sub001/internal/models"
	"github.com/almonsour13/mango-lens-sub001/internal/remote"
	"github.com/almonsour13/mango-lens-sub001/internal/scan"
	"github.com/almonsour13/mango-lens-sub001/internal/telemetry"
)

// ScanHandler handles scan capture, processing and reconciliation requests.
type ScanHandler struct {
	repo       *db.Repository
	processor  *scan.Processor
	reconciler *remote.Reconciler
	hub        *WSHub
}

func NewScanHandler(repo *db.Repository, processor *scan.Processor, reconciler *remote.Reconciler, hub *WSHub) *ScanHandler {
	return &ScanHandler{repo: repo, processor: processor, reconciler: reconciler, hub: hub}
}

// Register wires all routes onto the mux.
func (h *ScanHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", h.Health)
	mux.HandleFunc("/api/scans", h.Scans)
	mux.HandleFunc("/api/scans/process", h.Process)
	mux.HandleFunc("/api/scans/retry", h.Retry)
	mux.HandleFunc("/api/scans/", h.ScanByID)
	mux.HandleFunc("/api/stats", h.Stats)
	mux.HandleFunc("/api/metrics", h.Metrics)
	mux.HandleFunc("/api/profile", h.Profile)
}

// jobResponse carries a job to the dashboard, image as a data URL.
type jobResponse struct {
	ID       int64  `json:"id"`
	OwnerID  string `json:"owner_id"`
	TreeCode string `json:"tree_code"`
	Status   string `json:"status"`
	Image    string `json:"image"`
	AddedAt  int64  `json:"added_at"`
}

type resultResponse struct {
	JobID         int64                      `json:"job_id"`
	TreeCode      string                     `json:"tree_code"`
	OriginalImage string                     `json:"original_image"`
	AnalyzedImage string                     `json:"analyzed_image"`
	Diseases      []models.DiseasePrediction `json:"diseases"`
	CreatedAt     int64                      `json:"created_at"`
}

func toJobResponse(job *models.ScanJob) jobResponse {
	return jobResponse{
		ID:       job.ID,
		OwnerID:  job.OwnerID,
		TreeCode: job.TreeCode,
		Status:   job.Status.String(),
		Image:    imgcodec.DecodeToDataURL(job.Image),
		AddedAt:  job.AddedAt,
	}
}

func toResultResponse(res *models.ScanResult) *resultResponse {
	if res == nil {
		return nil
	}
	return &resultResponse{
		JobID:         res.JobID,
		TreeCode:      res.TreeCode,
		OriginalImage: imgcodec.DecodeToDataURL(res.OriginalImage),
		AnalyzedImage: imgcodec.DecodeToDataURL(res.AnalyzedImage),
		Diseases:      res.Diseases,
		CreatedAt:     res.CreatedAt,
	}
}

// Health handles GET /api/health
func (h *ScanHandler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, apperrors.New(apperrors.ErrInvalid, "method not allowed"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "mango-lens-core",
	})
}

// Scans handles GET, POST and DELETE on /api/scans
func (h *ScanHandler) Scans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listScans(w, r)
	case http.MethodPost:
		h.createScan(w, r)
	case http.MethodDelete:
		h.deleteScans(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ScanHandler) listScans(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		respondError(w, apperrors.New(apperrors.ErrValidation, "owner_id is required"))
		return
	}

	jobs, err := h.repo.ListJobsByOwner(ownerID)
	if err != nil {
		respondError(w, err)
		return
	}

	items := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, toJobResponse(job))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

func (h *ScanHandler) createScan(w http.ResponseWriter, r *http.Request) {
	var request struct {
		OwnerID  string `json:"owner_id"`
		TreeCode string `json:"tree_code"`
		Image    string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondError(w, apperrors.New(apperrors.ErrInvalid, "invalid request body"))
		return
	}

	imageBytes, err := imgcodec.EncodeToBytes(request.Image)
	if err != nil {
		respondError(w, err)
		return
	}

	job := &models.ScanJob{
		OwnerID:  request.OwnerID,
		TreeCode: request.TreeCode,
		Image:    imageBytes,
	}
	if err := h.repo.EnqueueJob(job); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toJobResponse(job))
}

func (h *ScanHandler) deleteScans(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JobIDs []int64 `json:"job_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondError(w, apperrors.New(apperrors.ErrInvalid, "invalid request body"))
		return
	}

	// Results first so nothing is orphaned if the job delete fails.
	if _, err := h.repo.DeleteResults(request.JobIDs); err != nil {
		respondError(w, err)
		return
	}
	deleted, err := h.repo.DeleteJobs(request.JobIDs)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
	})
}

// Process handles POST /api/scans/process
func (h *ScanHandler) Process(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		OwnerID string  `json:"owner_id"`
		JobIDs  []int64 `json:"job_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		respondError(w, apperrors.New(apperrors.ErrInvalid, "invalid request body"))
		return
	}

	var report *scan.BatchReport
	var err error
	if len(request.JobIDs) > 0 {
		report, err = h.processor.ProcessMany(r.Context(), request.JobIDs)
	} else {
		if request.OwnerID == "" {
			respondError(w, apperrors.New(apperrors.ErrValidation, "owner_id or job_ids required"))
			return
		}
		report, err = h.processor.ProcessPending(r.Context(), request.OwnerID)
	}
	if err != nil && report == nil {
		respondError(w, err)
		return
	}
	// A partial report still reaches the dashboard when the run stopped
	// early, with the stop reason alongside.
	resp := map[string]interface{}{"report": report}
	if err != nil {
		resp["stopped"] = apperrors.CodeOf(err)
	}
	respondJSON(w, http.StatusOK, resp)
}

// Retry handles POST /api/scans/retry
func (h *ScanHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.OwnerID == "" {
		respondError(w, apperrors.New(apperrors.ErrValidation, "owner_id is required"))
		return
	}

	report, err := h.processor.RetryFailed(r.Context(), request.OwnerID)
	if err != nil && report == nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"report": report})
}

// ScanByID handles GET /api/scans/{id} and POST /api/scans/{id}/save
func (h *ScanHandler) ScanByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/scans/"), "/")
	parts := strings.Split(rest, "/")

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		respondError(w, apperrors.New(apperrors.ErrInvalid, "invalid job id"))
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.getScan(w, id)
	case len(parts) == 2 && parts[1] == "save" && r.Method == http.MethodPost:
		h.saveScan(w, r.Context(), id)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (h *ScanHandler) getScan(w http.ResponseWriter, id int64) {
	view, err := h.repo.GetJobView(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job":    toJobResponse(view.Job),
		"result": toResultResponse(view.Result),
	})
}

func (h *ScanHandler) saveScan(w http.ResponseWriter, ctx context.Context, id int64) {
	if h.reconciler == nil {
		respondError(w, apperrors.New(apperrors.ErrRemoteSave, "no remote endpoint configured"))
		return
	}

	if err := h.reconciler.Save(ctx, id); err != nil {
		h.hub.BroadcastSaveFailed(id, err.Error())
		respondError(w, err)
		return
	}
	h.hub.BroadcastSaveCompleted(id)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": id,
		"saved":  true,
	})
}

// Stats handles GET /api/stats
func (h *ScanHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		respondError(w, apperrors.New(apperrors.ErrValidation, "owner_id is required"))
		return
	}

	stats, err := h.repo.JobStats(ownerID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Metrics handles GET /api/metrics with local pipeline metrics. Nothing
// here ever leaves the device.
func (h *ScanHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, telemetry.GetSnapshot())
}

// Profile handles GET and PUT on /api/profile
func (h *ScanHandler) Profile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ownerID := r.URL.Query().Get("owner_id")
		if ownerID == "" {
			respondError(w, apperrors.New(apperrors.ErrValidation, "owner_id is required"))
			return
		}
		profile, err := h.repo.GetProfile(ownerID)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"owner_id":   profile.OwnerID,
			"name":       profile.Name,
			"email":      profile.Email,
			"image":      imgcodec.DecodeToDataURL(profile.Image),
			"updated_at": profile.UpdatedAt,
		})

	case http.MethodPut:
		var request struct {
			OwnerID string `json:"owner_id"`
			Name    string `json:"name"`
			Email   string `json:"email"`
			Image   string `json:"image"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			respondError(w, apperrors.New(apperrors.ErrInvalid, "invalid request body"))
			return
		}

		profile := &models.UserProfile{
			OwnerID: request.OwnerID,
			Name:    request.Name,
			Email:   request.Email,
		}
		if request.Image != "" {
			imageBytes, err := imgcodec.EncodeToBytes(request.Image)
			if err != nil {
				respondError(w, err)
				return
			}
			profile.Image = imageBytes
		}
		if err := h.repo.SaveProfile(profile); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"owner_id":   profile.OwnerID,
			"updated_at": profile.UpdatedAt,
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps error codes to HTTP status and writes a JSON body the
// dashboard can inspect.
func respondError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrValidation, apperrors.ErrDecode:
		status = http.StatusBadRequest
	case apperrors.ErrRemoteSave:
		status = http.StatusBadGateway
	case apperrors.ErrModelLoad:
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, map[string]interface{}{
		"code":  code,
		"error": err.Error(),
	})
}

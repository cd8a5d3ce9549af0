// Package main tests the REST surface of the core server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/almonsour13/mango-lens-sub001/internal/db"
	"github.com/almonsour13/mango-lens-sub001/internal/imgcodec"
	"github.com/almonsour13/mango-lens-sub001/internal/inference"
	"github.com/almonsour13/mango-lens-sub001/internal/remote"
	"github.com/almonsour13/mango-lens-sub001/internal/scan"
)

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

type testServer struct {
	ts   *httptest.Server
	repo *db.Repository
}

func newTestServer(t *testing.T, remoteURL string) *testServer {
	t.Helper()

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, db.NewMigrator(database.DB).Up())
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })

	modelPath := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(modelPath, testArtifactJSON(t), 0o644))

	processor := scan.NewProcessor(repo, inference.NewLoader(modelPath), scan.Options{
		RelevanceThreshold: 30,
		CanonicalWidth:     64,
		CanonicalHeight:    64,
	})
	processor.SetPacer(scan.NopPacer{})

	var reconciler *remote.Reconciler
	if remoteURL != "" {
		reconciler = remote.NewReconciler(repo, remote.NewHTTPClient(remoteURL, time.Second))
	}

	hub := NewWSHub()
	hub.BindNotifier(processor.Notifier())

	mux := http.NewServeMux()
	NewScanHandler(repo, processor, reconciler, hub).Register(mux)
	mux.HandleFunc("/ws", HandleWebSocket(hub))

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, repo: repo}
}

func leafDataURL(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 60, G: 150, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return imgcodec.DecodeToDataURL(buf.Bytes())
}

func (s *testServer) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.ts.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (s *testServer) createScan(t *testing.T) int64 {
	t.Helper()
	resp := s.postJSON(t, "/api/scans", map[string]string{
		"owner_id":  "farmer-1",
		"tree_code": "TREE-001",
		"image":     leafDataURL(t),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, resp, &created)
	require.NotZero(t, created.ID)
	return created.ID
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, "")

	resp, err := http.Get(s.ts.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	require.Equal(t, "ok", body["status"])
}

func TestCreateAndListScans(t *testing.T) {
	s := newTestServer(t, "")
	id := s.createScan(t)

	resp, err := http.Get(s.ts.URL + "/api/scans?owner_id=farmer-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Items []struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
			Image  string `json:"image"`
		} `json:"items"`
		Total int `json:"total"`
	}
	decodeBody(t, resp, &listing)
	require.Equal(t, 1, listing.Total)
	require.Equal(t, id, listing.Items[0].ID)
	require.Equal(t, "pending", listing.Items[0].Status)
	require.True(t, strings.HasPrefix(listing.Items[0].Image, "data:image/png;base64,"))
}

func TestCreateScanRejectsBadImage(t *testing.T) {
	s := newTestServer(t, "")

	resp := s.postJSON(t, "/api/scans", map[string]string{
		"owner_id":  "farmer-1",
		"tree_code": "TREE-001",
		"image":     "not a data url",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProcessAndFetchResult(t *testing.T) {
	s := newTestServer(t, "")
	id := s.createScan(t)

	resp := s.postJSON(t, "/api/scans/process", map[string]string{"owner_id": "farmer-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var processed struct {
		Report struct {
			Attempted int `json:"attempted"`
			Processed int `json:"processed"`
		} `json:"report"`
	}
	decodeBody(t, resp, &processed)
	require.Equal(t, 1, processed.Report.Attempted)
	require.Equal(t, 1, processed.Report.Processed)

	resp2, err := http.Get(fmt.Sprintf("%s/api/scans/%d", s.ts.URL, id))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var view struct {
		Job struct {
			Status string `json:"status"`
		} `json:"job"`
		Result *struct {
			OriginalImage string `json:"original_image"`
			AnalyzedImage string `json:"analyzed_image"`
		} `json:"result"`
	}
	decodeBody(t, resp2, &view)
	require.Equal(t, "processed", view.Job.Status)
	require.NotNil(t, view.Result)
	require.True(t, strings.HasPrefix(view.Result.AnalyzedImage, "data:image/png;base64,"))
}

func TestGetScanNotFound(t *testing.T) {
	s := newTestServer(t, "")

	resp, err := http.Get(s.ts.URL + "/api/scans/9999")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteScans(t *testing.T) {
	s := newTestServer(t, "")
	id := s.createScan(t)

	req, err := http.NewRequest(http.MethodDelete, s.ts.URL+"/api/scans",
		strings.NewReader(fmt.Sprintf(`{"job_ids":[%d, 12345]}`, id)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Missing IDs are ignored; only the real one counts.
	var body struct {
		Deleted int64 `json:"deleted"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, int64(1), body.Deleted)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	s.createScan(t)
	s.createScan(t)

	resp, err := http.Get(s.ts.URL + "/api/stats?owner_id=farmer-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]int
	decodeBody(t, resp, &stats)
	require.Equal(t, 2, stats["pending"])
}

func TestSaveScanToRemote(t *testing.T) {
	var received atomic.Int32
	remoteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer remoteSrv.Close()

	s := newTestServer(t, remoteSrv.URL)
	id := s.createScan(t)

	resp := s.postJSON(t, "/api/scans/process", map[string]string{"owner_id": "farmer-1"})
	resp.Body.Close()

	resp = s.postJSON(t, fmt.Sprintf("/api/scans/%d/save", id), map[string]string{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Saved bool `json:"saved"`
	}
	decodeBody(t, resp, &body)
	require.True(t, body.Saved)
	require.Equal(t, int32(1), received.Load())

	// The local copy is gone after the remote acknowledged.
	resp2, err := http.Get(fmt.Sprintf("%s/api/scans/%d", s.ts.URL, id))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestSaveWithoutRemoteConfigured(t *testing.T) {
	s := newTestServer(t, "")
	id := s.createScan(t)

	resp := s.postJSON(t, fmt.Sprintf("/api/scans/%d/save", id), map[string]string{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestProfileRoundTrip(t *testing.T) {
	s := newTestServer(t, "")

	payload, _ := json.Marshal(map[string]string{
		"owner_id": "farmer-1",
		"name":     "Al Monsour",
		"email":    "al@example.com",
	})
	req, err := http.NewRequest(http.MethodPut, s.ts.URL+"/api/profile", bytes.NewReader(payload))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(s.ts.URL + "/api/profile?owner_id=farmer-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var profile struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	decodeBody(t, resp, &profile)
	require.Equal(t, "Al Monsour", profile.Name)
	require.Equal(t, "al@example.com", profile.Email)
}

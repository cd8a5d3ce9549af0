package inference

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	apperrors "github.com/almonsour13/mango-lens-sub001/internal/errors"
	"github.com/almonsour13/mango-lens-sub001/internal/logging"
)

// loadAttempt is one in-flight artifact load shared by concurrent callers.
type loadAttempt struct {
	done  chan struct{}
	model *Model
	err   error
}

// Loader loads the model artifact at most once per process. Concurrent
// callers before completion await the same in-flight load. A failed load is
// not cached: jobs stay Pending and a later call retries, so the system
// recovers once the artifact becomes reachable.
type Loader struct {
	path  string
	httpc *http.Client

	mu      sync.Mutex
	model   *Model
	attempt *loadAttempt
}

// NewLoader creates a Loader for a local file path or http(s) URL.
func NewLoader(path string) *Loader {
	return &Loader{
		path:  path,
		httpc: &http.Client{Timeout: 60 * time.Second},
	}
}

// Load returns the loaded model, starting the load on first call. Failure
// surfaces MODEL_LOAD_ERROR; it is non-fatal to the rest of the system.
func (l *Loader) Load(ctx context.Context) (*Model, error) {
	l.mu.Lock()
	if l.model != nil {
		m := l.model
		l.mu.Unlock()
		return m, nil
	}

	if l.attempt != nil {
		a := l.attempt
		l.mu.Unlock()
		select {
		case <-a.done:
			return a.model, a.err
		case <-ctx.Done():
			return nil, apperrors.Wrap(apperrors.ErrModelLoad, "model load canceled", ctx.Err())
		}
	}

	a := &loadAttempt{done: make(chan struct{})}
	l.attempt = a
	l.mu.Unlock()

	a.model, a.err = l.fetch(ctx)

	l.mu.Lock()
	if a.err == nil {
		l.model = a.model
		logging.Info("model loaded", map[string]interface{}{
			"version": a.model.Version(),
			"classes": len(a.model.Classes()),
		})
	} else {
		logging.Warn("model load failed, queued jobs stay pending",
			map[string]interface{}{"error": a.err.Error()})
	}
	l.attempt = nil
	l.mu.Unlock()

	close(a.done)
	return a.model, a.err
}

// Loaded reports whether the model is available without triggering a load.
func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model != nil
}

// fetch reads and parses the artifact from disk or over HTTP.
func (l *Loader) fetch(ctx context.Context) (*Model, error) {
	var data []byte
	var err error

	if strings.HasPrefix(l.path, "http://") || strings.HasPrefix(l.path, "https://") {
		data, err = l.fetchHTTP(ctx)
	} else {
		data, err = os.ReadFile(l.path)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrModelLoad, "failed to read model artifact", err)
	}

	return ParseArtifact(data)
}

func (l *Loader) fetchHTTP(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact fetch returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Package scan drives jobs through the offline analysis pipeline.
package scan

import (
	"context"
	"time"
)

// Pacer spaces out consecutive items in a bulk processing run so inference
// load stays bounded on low-power devices.
type Pacer interface {
	// Pause blocks between items. It returns early with the context error
	// when the run is cancelled.
	Pause(ctx context.Context) error
}

// FixedPacer waits a fixed interval between items.
type FixedPacer struct {
	Interval time.Duration
}

func (p FixedPacer) Pause(ctx context.Context) error {
	if p.Interval <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.Interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NopPacer never waits.
type NopPacer struct{}

func (NopPacer) Pause(ctx context.Context) error { return ctx.Err() }

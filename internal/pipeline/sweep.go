package pipeline

import (
	"context"
	"log"
	"time"

	"kycbackend/internal/model"
)

// RunSweep periodically re-advances applications that look stuck in
// processing — the safety net for advance calls lost to a crashed worker.
// Blocks until the context is cancelled.
func (o *Orchestrator) RunSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepOnce(ctx, interval)
		}
	}
}

func (o *Orchestrator) sweepOnce(ctx context.Context, interval time.Duration) {
	var apps []model.Application
	cutoff := time.Now().Add(-interval)
	err := o.db.WithContext(ctx).
		Where("status = ? AND processing_stage NOT IN ? AND updated_at < ?",
			model.StatusProcessing,
			[]string{model.StageCompleted, model.StagePending},
			cutoff).
		Limit(50).
		Find(&apps).Error
	if err != nil {
		log.Printf("pipeline: sweep query failed: %v", err)
		return
	}

	for _, app := range apps {
		if err := o.Advance(ctx, app.ID); err != nil {
			log.Printf("pipeline: sweep advance failed for application %s: %v", app.ID, err)
		}
	}
}

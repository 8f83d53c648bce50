package app

import (
	"context"
	"time"

	"qrattend/internal/activity"
	"qrattend/internal/metrics"
)

// Standalone reports whether the API process must run the background jobs
// itself because its backends are not shared with a worker.
func (a *App) Standalone() bool {
	return a.Config.QueueBackend == "memory" || a.Config.StoreBackend == "memory"
}

// ConsumeFlags drains flagged activity from the queue into the operator log
// until ctx is done.
func (a *App) ConsumeFlags(ctx context.Context) error {
	msgs, err := a.Queue.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		if msg.Type != activity.MessageType {
			continue
		}
		e, err := activity.DecodeFlag(msg)
		if err != nil {
			a.Log.WarnContext(ctx, "undecodable flag", "error", err)
			continue
		}
		reason, _ := e.Details["reason"].(string)
		metrics.FlagsDelivered.WithLabelValues(reason).Inc()
		a.Log.WarnContext(ctx, "suspicious activity",
			"event_id", e.ID,
			"user_id", e.UserID,
			"action", e.Action,
			"reason", reason,
			"risk_score", e.RiskScore,
			"ip", e.IPAddress,
			"at", e.CreatedAt,
		)
	}
	return nil
}

// Sweep runs one retention pass over sessions and activity.
func (a *App) Sweep(ctx context.Context) {
	if n, err := a.Registry.Purge(ctx); err != nil {
		a.Log.ErrorContext(ctx, "session purge failed", "error", err)
	} else if n > 0 {
		a.Log.InfoContext(ctx, "purged sessions", "count", n)
	}
	if n, err := a.Recorder.Purge(ctx, a.Config.ActivityRetention); err != nil {
		a.Log.ErrorContext(ctx, "activity purge failed", "error", err)
	} else if n > 0 {
		a.Log.InfoContext(ctx, "purged activity", "count", n)
	}
}

// RunJanitor sweeps every PurgeInterval until ctx is done.
func (a *App) RunJanitor(ctx context.Context) {
	interval := a.Config.PurgeInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	a.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

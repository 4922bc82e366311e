package outbox

import (
	"context"
	"log/slog"
	"time"
)

// StartFlushWorker runs a background goroutine that periodically flushes the
// outbox, so rewards enqueued while the backend was unreachable are
// eventually delivered. The worker drains with a final flush on shutdown so
// a nearly-committed reward is not lost.
func StartFlushWorker(ctx context.Context, o *Outbox, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Outbox flush worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				flush(ctx, o)
			case <-ctx.Done():
				slog.Info("Outbox flush worker shutting down", "reason", ctx.Err())
				drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				flush(drainCtx, o)
				cancel()
				return
			}
		}
	}()
}

func flush(ctx context.Context, o *Outbox) {
	result, err := o.Flush(ctx)
	if err != nil {
		slog.Error("Outbox flush failed", "error", err)
		return
	}
	if result.Attempted > 0 {
		slog.Info("Outbox flush completed",
			"attempted", result.Attempted,
			"synced", result.Synced,
			"failed", result.Failed,
			"remaining", result.Remaining)
	}
}

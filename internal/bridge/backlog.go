package bridge

import (
	"context"
	"time"
)

// BacklogRecorder receives the depth of a subscribed queue.
type BacklogRecorder func(queue string, depth float64)

// MonitorBacklog samples the depth of every subscribed queue each interval
// until ctx is done or a shutdown begins. Sampling errors are logged and the
// queue is skipped for that round.
func (a *App) MonitorBacklog(ctx context.Context, interval time.Duration, record BacklogRecorder) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if a.pending.Load() || a.errorShutdown.Load() {
			return
		}
		a.sampleBacklog(record)
	}
}

func (a *App) sampleBacklog(record BacklogRecorder) {
	seen := make(map[string]bool)
	for _, s := range a.Subscribers() {
		queue := s.Config().QueueName
		if seen[queue] {
			continue
		}
		seen[queue] = true

		depth, err := a.conn.QueueDepth(queue)
		if err != nil {
			a.logger.Plain().WithQueue(queue).WithError(err).Warn("Error updating queue backlog")
			continue
		}
		record(queue, float64(depth))
	}
}

package bridge

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"
)

// Shutdown tears the bridge down. After an unexpected broker close every
// subscriber is stopped without touching the transport. Otherwise the
// shutdown is graceful: consumers are cancelled, in-flight pushes are given
// DrainRetries polls to settle and the connection is closed.
func (a *App) Shutdown(ctx context.Context) error {
	a.pending.Store(true)

	if a.errorShutdown.Load() {
		a.stopAll(true)
		_ = a.closeConn()
		return nil
	}
	return a.drain(ctx)
}

func (a *App) stopAll(isConnectionFailure bool) {
	var wg conc.WaitGroup
	for _, s := range a.Subscribers() {
		wg.Go(func() {
			if err := s.Stop(isConnectionFailure); err != nil {
				a.logger.Plain().
					WithQueue(s.Config().QueueName).
					WithError(err).
					Warn("failed to stop subscriber")
			}
		})
	}
	wg.Wait()
}

func (a *App) drain(ctx context.Context) error {
	a.logger.Plain().Info("Cancelling all subscribers")
	a.stopAll(false)

	a.logger.Plain().Info("Checking for subscribers with HTTP push messages in-flight")
	for attempt := 1; attempt <= a.opts.DrainRetries; attempt++ {
		inFlight := a.InFlight()
		if inFlight == 0 {
			a.logger.Plain().Info("No subscribers with in-flight HTTP push message deliveries detected. Closing the AMQP connection.")
			return a.closeConn()
		}
		a.logger.Plain().
			WithFields(map[string]any{"in_flight": inFlight, "attempt": attempt}).
			Warnf("Some subscribers are pushing messages that are still in-flight (%d). Waiting %s for retry #%d",
				inFlight, a.opts.DrainInterval, attempt)

		select {
		case <-time.After(a.opts.DrainInterval):
		case <-ctx.Done():
			a.logger.Plain().WithError(ctx.Err()).Warn("Shutdown deadline reached. Forcefully closing the connection.")
			return a.closeConn()
		}
	}

	a.logger.Plain().Warn("Maximum number of retries exceeded. Forcefully closing the connection.")
	return a.closeConn()
}

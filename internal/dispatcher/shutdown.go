package dispatcher

import (
	"context"

	"github.com/googlecloudplatform/gcsfuse-gateway/internal/logger"
)

// Shutdown drains every outstanding AIO request on the event loop, bounded
// by cfg.ShutdownDrainTimeout, before returning. Grounded on
// fs/garbage_collect.go's context-driven background-work draining, adapted
// from a one-shot bundle of pipeline stages to the event loop's AIO worker
// pool. Safe to call more than once; only the first call does any work.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	var err error
	d.shutdownOnce.Do(func() {
		drainCtx := ctx
		var cancel context.CancelFunc
		if d.cfg.ShutdownDrainTimeout > 0 {
			drainCtx, cancel = context.WithTimeout(ctx, d.cfg.ShutdownDrainTimeout)
			defer cancel()
		}

		err = d.loop.Shutdown(drainCtx)
		if err != nil {
			logger.WithFields("op", "shutdown").Warn("event loop drain did not complete cleanly", "err", err)
		}
	})
	return err
}

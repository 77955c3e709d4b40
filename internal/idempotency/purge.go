package idempotency

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Purger is implemented by stores that can drop expired records in bulk.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// RunPurger purges store every interval until ctx ends. It returns at once
// when the store cannot purge or interval is not positive.
func RunPurger(ctx context.Context, store Store, interval time.Duration, log logrus.FieldLogger) {
	purger, ok := store.(Purger)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := purger.Purge(ctx, now)
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Warn("idempotency purge failed")
				}
				continue
			}
			if n > 0 {
				log.WithField("purged", n).Debug("expired idempotency records purged")
			}
		}
	}
}

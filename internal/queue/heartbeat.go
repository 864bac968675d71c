package queue

import (
	"context"
	"time"

	"github.com/zulandar/switchboard/internal/models"
)

// DefaultHeartbeatInterval is the default interval between lease renewals.
const DefaultHeartbeatInterval = 30 * time.Second

// StartHeartbeat launches a goroutine that renews the lease on job every
// interval until ctx is cancelled. It returns a channel that receives an
// error if the lease is lost or cannot be renewed.
func (q *Queue) StartHeartbeat(ctx context.Context, job *models.Job, interval time.Duration) <-chan error {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	errCh := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.Heartbeat(ctx, job); err != nil {
					if ctx.Err() != nil {
						return
					}
					errCh <- err
					return
				}
			}
		}
	}()

	return errCh
}

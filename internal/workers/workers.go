package workers

import (
	"context"
	"log"
	"time"
)

// StartAchievementWorker runs one reconciliation pass every interval until ctx
// is cancelled. The returned channel closes once the worker has exited.
// A non-positive interval disables the worker.
func StartAchievementWorker(ctx context.Context, interval time.Duration, run func(ctx context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		log.Println("Achievement worker disabled")
		close(done)
		return done
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runOnce(ctx, interval, run)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

func runOnce(ctx context.Context, interval time.Duration, run func(ctx context.Context) error) {
	// A pass may use most of the interval but never overlap the next one.
	passCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	start := time.Now()
	if err := run(passCtx); err != nil {
		log.Printf("Achievement worker: pass failed after %s: %v", time.Since(start), err)
		return
	}
	log.Printf("Achievement worker: pass finished in %s", time.Since(start))
}

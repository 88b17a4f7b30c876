package store

import (
	"context"
	"sync"
	"time"

	"github.com/vitwit/x402-gate/logger"
)

const (
	// DefaultRetention outlives the blockhash validity window by a wide
	// margin, so a pruned signature can no longer land.
	DefaultRetention     = 10 * time.Minute
	DefaultPruneInterval = time.Minute
)

// Pruner drops receipts created before a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// StartPruner prunes p every interval, keeping receipts younger than
// retention. The returned func stops the loop and waits for it to exit.
func StartPruner(p Pruner, retention, interval time.Duration, log logger.Logger) func() error {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultPruneInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				n, err := p.Prune(ctx, now.Add(-retention))
				if err != nil {
					log.Warn("failed to prune receipts", map[string]any{"error": err})
					continue
				}
				if n > 0 {
					log.Debug("pruned receipts", map[string]any{"count": n})
				}
			}
		}
	}()

	return func() error {
		cancel()
		wg.Wait()
		return nil
	}
}

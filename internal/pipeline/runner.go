package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rpattn/parcelsync/internal/domain"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentSources bounds how many sources sync at once. Each source
// already runs its own batch workers, so this stays small to keep the
// connection pool honest.
const maxConcurrentSources = 2

// SyncAll runs one incremental cycle for every enabled source. Sources fail
// independently; the returned error summarizes how many did.
func (s *Service) SyncAll(ctx context.Context) ([]domain.SyncRun, error) {
	sources, err := s.sources.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	if len(sources) == 0 {
		return nil, ErrNoEnabledSources
	}

	var (
		mu     sync.Mutex
		runs   []domain.SyncRun
		failed int
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentSources)

	for _, source := range sources {
		source := source
		group.Go(func() error {
			run, err := s.RunIncremental(groupCtx, source)
			mu.Lock()
			defer mu.Unlock()
			runs = append(runs, run)
			if err != nil {
				failed++
				log.Printf("[SYNC] %s: %v", source.Name, err)
			}
			// Source failures are isolated; returning the error would
			// cancel the sibling syncs through the group context.
			return nil
		})
	}
	_ = group.Wait()

	if failed > 0 {
		return runs, fmt.Errorf("%d of %d sources failed", failed, len(sources))
	}
	return runs, nil
}

// RunDaemon loops SyncAll on the configured interval until the context
// ends. The first cycle starts immediately.
func (s *Service) RunDaemon(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	log.Printf("[SYNC] daemon started, interval %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.SyncAll(ctx); err != nil && err != ErrNoEnabledSources {
			log.Printf("[SYNC] cycle finished with errors: %v", err)
		}

		select {
		case <-ctx.Done():
			log.Println("[SYNC] daemon stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

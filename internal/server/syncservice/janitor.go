package syncservice

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunJanitor purges expired tombstones on a fixed interval until ctx
// is cancelled (§4.I invariant 4). It is meant to run as a single
// background goroutine for the life of the process.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.purgeExpiredTombstones(ctx)
			if err != nil {
				log.Error().Err(err).Msg("tombstone janitor sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("purged", n).Msg("tombstone janitor sweep")
			}
		}
	}
}

func (s *Service) purgeExpiredTombstones(ctx context.Context) (int64, error) {
	tag, err := s.DB.Exec(ctx, `DELETE FROM tombstones WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

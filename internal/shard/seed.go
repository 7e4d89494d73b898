package shard

import (
	"context"
	"errors"
	"fmt"

	"dayflow/config"
	"dayflow/internal/cache"
	"dayflow/internal/day"
	"dayflow/logger"
)

func UniverseKey(env string, date day.Date) string {
	return "secmaster:" + env + ":" + string(date)
}

// SeedMaster is the in-process security master: Sync snapshots the
// instrument seed file into the cache for a trading date and Instruments
// serves that snapshot, so a day keeps the universe it started with even if
// the file changes later.
type SeedMaster struct {
	path  string
	cache cache.Cache
	log   *logger.Entry
}

func NewSeedMaster(path string, c cache.Cache) *SeedMaster {
	return &SeedMaster{
		path:  path,
		cache: c,
		log:   logger.GetLogger().WithComponent("secmaster").WithField("path", path),
	}
}

func (s *SeedMaster) Sync(ctx context.Context, env string, date day.Date) error {
	list, err := s.load()
	if err != nil {
		return err
	}
	if err := cache.SetJSON(ctx, s.cache, UniverseKey(env, date), list); err != nil {
		return fmt.Errorf("store universe for %s/%s: %w", env, date, err)
	}
	s.log.WithFields(logger.Fields{"env": env, "date": date, "instruments": len(list)}).Info("security master synced")
	return nil
}

// Instruments falls back to the seed file when the date was never synced
// or the cache lost the entry.
func (s *SeedMaster) Instruments(ctx context.Context, env string, date day.Date) ([]string, error) {
	var list []string
	err := cache.GetJSON(ctx, s.cache, UniverseKey(env, date), &list)
	if err == nil {
		return list, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		s.log.WithError(err).Warn("cached universe unreadable; reading seed file")
	}
	return s.load()
}

func (s *SeedMaster) load() ([]string, error) {
	if s.path == "" {
		return nil, nil
	}
	seed, err := config.LoadInstruments(s.path)
	if err != nil {
		return nil, err
	}
	return seed.Instruments, nil
}

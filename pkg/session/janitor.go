package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JanitorConfig configures a Janitor.
type JanitorConfig struct {
	Store     *Store
	Compactor *Compactor
	// Schedule is a cron spec; descriptors such as "@every 1m" are accepted.
	Schedule string
	// IdleTTL evicts journaled sessions from memory after this much
	// inactivity. Zero disables eviction; unjournaled sessions are never evicted.
	IdleTTL time.Duration
	Logger  zerolog.Logger
}

// Janitor periodically evicts idle sessions and compacts oversized ones.
type Janitor struct {
	cfg    JanitorConfig
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewJanitor validates the schedule and prepares the cron runner.
func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	j := &Janitor{
		cfg:    cfg,
		cron:   cron.New(),
		logger: cfg.Logger.With().Str("component", "session_janitor").Logger(),
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, func() { j.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info().Str("schedule", j.cfg.Schedule).Dur("idle_ttl", j.cfg.IdleTTL).Msg("Session janitor started")
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info().Msg("Session janitor stopped")
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Evicted   int
	Compacted int
}

// Sweep runs one pass. Eviction only drops the in-memory copy of journaled
// sessions, which rehydrate on next access.
func (j *Janitor) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	now := time.Now()
	for _, id := range j.cfg.Store.IDs() {
		s, ok := j.cfg.Store.Get(id)
		if !ok {
			continue
		}
		if j.cfg.IdleTTL > 0 && now.Sub(s.UpdatedAt()) > j.cfg.IdleTTL && j.cfg.Store.Evict(id) {
			stats.Evicted++
			continue
		}
		if j.cfg.Compactor != nil && j.cfg.Compactor.ShouldCompact(s) {
			if res := j.cfg.Compactor.Compact(ctx, s, false); res.Mode != ModeNoop {
				stats.Compacted++
			}
		}
	}
	if stats.Evicted > 0 || stats.Compacted > 0 {
		j.logger.Info().Int("evicted", stats.Evicted).Int("compacted", stats.Compacted).Msg("Session sweep finished")
	}
	return stats
}

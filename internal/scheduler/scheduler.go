// Package scheduler runs the server's periodic background tasks: incremental
// catalogue rescans and log file rotation.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/royale-project/royale/internal/config"
	"github.com/royale-project/royale/internal/util"
)

const logCleanInterval = 24 * time.Hour

// Reloader rescans the charts directory.
type Reloader interface {
	ReloadCharts(full bool) (int, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	reloader Reloader

	rescanEvery   time.Duration
	logCleanEvery time.Duration
	logDir        string
	logBackups    int
}

// NewScheduler creates a scheduler using the intervals in cfg.
func NewScheduler(cfg *config.Config, reloader Reloader) *Scheduler {
	logging := cfg.GetLogging()
	return &Scheduler{
		reloader:      reloader,
		rescanEvery:   cfg.GetTimers().CatalogueRescan(),
		logCleanEvery: logCleanInterval,
		logDir:        logging.Directory,
		logBackups:    logging.MaxBackups,
	}
}

// Start runs all scheduled tasks and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Dur("catalogue_rescan", s.rescanEvery).Msg("scheduler started")

	done := make(chan struct{}, 2)
	started := 0
	if s.rescanEvery > 0 && s.reloader != nil {
		started++
		go func() {
			s.every(ctx, s.rescanEvery, s.rescanCatalogue)
			done <- struct{}{}
		}()
	}
	if s.logCleanEvery > 0 && s.logDir != "" {
		started++
		go func() {
			s.every(ctx, s.logCleanEvery, s.cleanLogs)
			done <- struct{}{}
		}()
	}

	<-ctx.Done()
	for i := 0; i < started; i++ {
		<-done
	}
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) every(ctx context.Context, d time.Duration, task func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task()
		}
	}
}

// rescanCatalogue adds songs that appeared on disk since the last load.
func (s *Scheduler) rescanCatalogue() {
	added, err := s.reloader.ReloadCharts(false)
	if err != nil {
		log.Warn().Err(err).Msg("catalogue rescan failed")
		return
	}
	if added > 0 {
		log.Info().Int("added", added).Msg("catalogue rescan found new songs")
	} else {
		log.Debug().Msg("catalogue rescan found nothing new")
	}
}

func (s *Scheduler) cleanLogs() {
	if removed := util.CleanOldLogs(s.logDir, s.logBackups); removed > 0 {
		log.Info().Int("removed", removed).Str("directory", s.logDir).Msg("old log files removed")
	}
}

package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DetectionPurger deletes detection records created before cutoff.
type DetectionPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionReaper forgets learning sessions whose sampler has stopped.
type SessionReaper interface {
	ReapStopped(ctx context.Context) (int64, error)
}

type CleanupJob struct {
	detections DetectionPurger
	sessions   SessionReaper
	retention  time.Duration
	interval   time.Duration
	now        func() time.Time
	done       chan struct{}
}

func NewCleanupJob(
	detections DetectionPurger,
	sessions SessionReaper,
	retention time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		detections: detections,
		sessions:   sessions,
		retention:  retention,
		interval:   interval,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("retention", j.retention).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if j.detections != nil && j.retention > 0 {
		cutoff := j.now().Add(-j.retention)
		j.runCleanup(ctx, "detections", func(ctx context.Context) (int64, error) {
			return j.detections.DeleteOlderThan(ctx, cutoff)
		})
	}
	if j.sessions != nil {
		j.runCleanup(ctx, "stopped learning sessions", j.sessions.ReapStopped)
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}

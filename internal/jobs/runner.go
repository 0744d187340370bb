package jobs

import (
	"context"
	"time"

	"github.com/siwachabhi/sonic-relay/internal/logx"
	"github.com/siwachabhi/sonic-relay/internal/metrics"
)

type Store interface {
	CloseAbandonedSessions(ctx context.Context, maxAge time.Duration) ([]string, error)
	DeleteEndedSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Options struct {
	AbandonedAfter time.Duration
	Retention      time.Duration
}

type Runner struct {
	store Store
	opts  Options
	now   func() time.Time
}

func NewRunner(store Store, opts Options) *Runner {
	return &Runner{store: store, opts: opts, now: time.Now}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "abandoned_session_close", 5*time.Minute, r.closeAbandoned)
	go r.runEvery(ctx, "session_retention_cleanup", 1*time.Hour, r.cleanupRetention)
}

func (r *Runner) closeAbandoned(ctx context.Context) error {
	ids, err := r.store.CloseAbandonedSessions(ctx, r.opts.AbandonedAfter)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		logx.Log.Warn().Strs("session_ids", ids).Msg("closed abandoned relay sessions")
	}
	return nil
}

func (r *Runner) cleanupRetention(ctx context.Context) error {
	n, err := r.store.DeleteEndedSessionsBefore(ctx, r.now().Add(-r.opts.Retention))
	if err != nil {
		return err
	}
	if n > 0 {
		logx.Log.Info().Int64("deleted", n).Msg("pruned ended relay sessions")
	}
	return nil
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	dur := time.Since(start)
	if err != nil {
		logx.Log.Error().Err(err).Str("job", name).Dur("duration", dur).Msg("job run failed")
		metrics.RecordJobRun(name, "error", dur)
		return
	}
	logx.Log.Debug().Str("job", name).Dur("duration", dur).Msg("job run ok")
	metrics.RecordJobRun(name, "ok", dur)
}

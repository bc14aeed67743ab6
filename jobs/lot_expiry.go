package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const expirySweepLockKey = "lots:expiry-sweep:lock"

// ExpirySweeper marks past-expiry lots as EXPIRED.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// LotExpiryJob runs the expiry sweep behind a redis lock so overlapping
// worker replicas never sweep concurrently.
type LotExpiryJob struct {
	sweeper ExpirySweeper
	redis   *redis.Client
	logger  *slog.Logger
	lockTTL time.Duration
}

// NewLotExpiryJob constructs the job.
func NewLotExpiryJob(sweeper ExpirySweeper, redisClient *redis.Client, logger *slog.Logger, lockTTL time.Duration) *LotExpiryJob {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &LotExpiryJob{sweeper: sweeper, redis: redisClient, logger: logger, lockTTL: lockTTL}
}

// Handle processes TaskLotExpirySweep tasks.
func (j *LotExpiryJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LotExpirySweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	acquired, err := j.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		if j.logger != nil {
			j.logger.Info("expiry sweep already running elsewhere, skipping")
		}
		return nil
	}
	defer j.releaseLock(ctx)

	count, err := j.sweeper.SweepExpired(ctx)
	if err != nil {
		if j.logger != nil {
			j.logger.Error("expiry sweep failed", slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil {
		j.logger.Info("expiry sweep done",
			slog.Int64("lots_expired", count),
			slog.Time("scheduled_for", payload.ScheduledFor))
	}
	return nil
}

func (j *LotExpiryJob) acquireLock(ctx context.Context) (bool, error) {
	if j.redis == nil {
		return true, nil
	}
	return j.redis.SetNX(ctx, expirySweepLockKey, time.Now().UTC().Format(time.RFC3339), j.lockTTL).Result()
}

func (j *LotExpiryJob) releaseLock(ctx context.Context) {
	if j.redis == nil {
		return
	}
	if err := j.redis.Del(ctx, expirySweepLockKey).Err(); err != nil && j.logger != nil {
		j.logger.Warn("release sweep lock", slog.Any("error", err))
	}
}

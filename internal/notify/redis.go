package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/metrics"
)

const (
	queueKey    = "gymsniper:notifications"
	failedKey   = "gymsniper:notifications:failed"
	maxTries    = 3
	pushTimeout = 2 * time.Second
)

type job struct {
	Event   Event     `json:"event"`
	Tries   int       `json:"tries"`
	Created time.Time `json:"created"`
}

// RedisQueue persists events in a Redis list so that delivery survives a
// restart. Run drains the list into a Sender.
type RedisQueue struct {
	rdb        *redis.Client
	retryDelay time.Duration
}

func NewRedisQueue(addr string) *RedisQueue {
	return newRedisQueue(redis.NewClient(&redis.Options{Addr: addr}))
}

func newRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb, retryDelay: 5 * time.Second}
}

func (q *RedisQueue) Notify(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	if err := q.push(ctx, job{Event: e, Created: time.Now()}); err != nil {
		metrics.RecordNotification("redis", "failed")
		logger.Error("failed to queue notification", "class_id", e.ClassID, "error", err)
		return
	}
	metrics.RecordNotification("redis", "queued")
}

func (q *RedisQueue) push(ctx context.Context, j job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, queueKey, string(data)).Err()
}

// Run delivers queued events until ctx is done.
func (q *RedisQueue) Run(ctx context.Context, sender Sender) {
	logger.Info("notification worker started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("notification worker stopped")
			return
		default:
			q.processNext(ctx, sender)
		}
	}
}

func (q *RedisQueue) processNext(ctx context.Context, sender Sender) {
	result, err := q.rdb.BRPop(ctx, 2*time.Second, queueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			logger.Warn("notification queue read failed", "error", err)
			time.Sleep(time.Second)
		}
		return
	}

	var j job
	if err := json.Unmarshal([]byte(result[1]), &j); err != nil {
		logger.Error("bad notification data", "error", err)
		return
	}

	j.Tries++
	if err := sender.Send(ctx, j.Event); err != nil {
		logger.Error("notification delivery failed", "class_id", j.Event.ClassID, "attempt", j.Tries, "error", err)
		if j.Tries < maxTries {
			select {
			case <-ctx.Done():
			case <-time.After(q.retryDelay):
			}
			if err := q.push(context.WithoutCancel(ctx), j); err != nil {
				logger.Error("failed to requeue notification", "error", err)
			}
			return
		}
		q.saveFailed(ctx, j, err)
		return
	}
	logger.Debug("notification delivered", "class_id", j.Event.ClassID)
}

func (q *RedisQueue) saveFailed(ctx context.Context, j job, cause error) {
	failed := map[string]any{
		"job":   j,
		"error": cause.Error(),
		"time":  time.Now(),
	}
	data, _ := json.Marshal(failed)
	if err := q.rdb.LPush(context.WithoutCancel(ctx), failedKey, string(data)).Err(); err != nil {
		logger.Error("failed to record failed notification", "error", err)
	}
	metrics.RecordNotification("redis", "failed")
	logger.Error("notification moved to failed queue", "class_id", j.Event.ClassID)
}

// QueueLength reports pending notifications.
func (q *RedisQueue) QueueLength(ctx context.Context) int64 {
	n, _ := q.rdb.LLen(ctx, queueKey).Result()
	return n
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

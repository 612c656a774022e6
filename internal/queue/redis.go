package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/simplesurance/ghagent/internal/logfields"
)

const (
	// redisPollTimeout bounds a single BLPOP call, the receive loop must
	// stay responsive to cancellation.
	redisPollTimeout = time.Second
	// redisErrorDelay is slept after a backend error before the receive
	// loop retries.
	redisErrorDelay = time.Second

	redisPublishTimeout = 5 * time.Second
)

// RedisQueue is a queue backed by a Redis list.
// Publish appends to the list, Subscribe pops from it with a short blocking
// timeout per iteration.
// Messages are removed from the list on receive, an item that is abandoned
// mid-processing is lost, not redelivered.
type RedisQueue struct {
	clt       *redis.Client
	queueName string
	logger    *zap.Logger
	breaker   *gobreaker.CircuitBreaker

	closeOnce sync.Once
	closeChan chan struct{}
}

func NewRedisQueue(redisURL, queueName string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	q := RedisQueue{
		clt:       redis.NewClient(opts),
		queueName: queueName,
		logger:    zap.L().Named("redis_queue").With(logfields.Queue(queueName)),
		closeChan: make(chan struct{}),
	}

	// The breaker makes Publish fail fast while the broker is
	// unreachable instead of having every caller run into the dial
	// timeout.
	q.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-publish",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &q, nil
}

func (q *RedisQueue) Publish(ctx context.Context, item *WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return &PublishError{Backend: "redis", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
	defer cancel()

	_, err = q.breaker.Execute(func() (interface{}, error) {
		return nil, q.clt.RPush(ctx, q.queueName, payload).Err()
	})
	if err != nil {
		return &PublishError{Backend: "redis", Err: err}
	}

	q.logger.Debug(
		"work item published",
		logfields.Event("workitem_published"),
	)

	return nil
}

func (q *RedisQueue) Subscribe(ctx context.Context, handler Handler) error {
	q.logger.Info(
		"subscribed to redis queue",
		logfields.Event("queue_subscribed"),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closeChan:
			return nil
		default:
		}

		result, err := q.clt.BLPop(ctx, redisPollTimeout, q.queueName).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // poll timeout, no message available
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			q.logger.Error(
				"receiving from redis failed, retrying",
				logfields.Event("queue_receive_failed"),
				zap.Error(err),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.closeChan:
				return nil
			case <-time.After(redisErrorDelay):
			}

			continue
		}

		// result is the pair [key, value]
		if len(result) != 2 {
			q.logger.Error(
				"blpop returned unexpected result",
				logfields.Event("queue_receive_failed"),
				zap.Int("result_len", len(result)),
			)
			continue
		}

		q.handlePayload(ctx, result[1], handler)
	}
}

// handlePayload decodes one popped list value and invokes the handler.
// Malformed payloads and handler failures are logged and dropped, a single
// bad message must not terminate the subscribe loop.
func (q *RedisQueue) handlePayload(ctx context.Context, payload string, handler Handler) {
	var item WorkItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		q.logger.Error(
			"discarding malformed message",
			logfields.Event("queue_message_malformed"),
			zap.Error(err),
		)
		return
	}

	if err := handler(ctx, &item); err != nil {
		q.logger.Error(
			"handler failed, message is lost",
			append(item.LogFields(),
				logfields.Event("queue_handler_failed"),
				zap.Error(err))...,
		)
	}
}

func (q *RedisQueue) Close() error {
	var err error

	q.closeOnce.Do(func() {
		close(q.closeChan)
		err = q.clt.Close()

		q.logger.Debug(
			"redis queue closed",
			logfields.Event("queue_closed"),
		)
	})

	return err
}

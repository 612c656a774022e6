package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/simplesurance/ghagent/internal/logfields"
)

const (
	pubsubPublishTimeout = 10 * time.Second
	pubsubErrorDelay     = time.Second
)

// PubSubQueue is a queue backed by a Google Pub/Sub topic.
// Publish waits for the broker to acknowledge durability before returning.
// Subscribe opens a streaming pull, messages are acknowledged after the
// handler succeeded and negatively-acknowledged on handler failure, the
// broker redelivers them.
type PubSubQueue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	closeOnce sync.Once
	closeChan chan struct{}
}

func NewPubSubQueue(ctx context.Context, projectID, topicName, subscriptionName string) (*PubSubQueue, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}

	topic := client.Topic(topicName)

	sub := client.Subscription(subscriptionName)
	// one work item is processed to completion before the next is
	// dequeued
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.NumGoroutines = 1

	return &PubSubQueue{
		client:    client,
		topic:     topic,
		sub:       sub,
		logger:    zap.L().Named("pubsub_queue").With(logfields.Queue(topicName)),
		closeChan: make(chan struct{}),
	}, nil
}

func (q *PubSubQueue) Publish(ctx context.Context, item *WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return &PublishError{Backend: "pubsub", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, pubsubPublishTimeout)
	defer cancel()

	result := q.topic.Publish(ctx, &pubsub.Message{Data: payload})
	if _, err := result.Get(ctx); err != nil {
		return &PublishError{Backend: "pubsub", Err: err}
	}

	q.logger.Debug(
		"work item published",
		logfields.Event("workitem_published"),
	)

	return nil
}

func (q *PubSubQueue) Subscribe(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-q.closeChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	q.logger.Info(
		"subscribed to pub/sub subscription",
		logfields.Event("queue_subscribed"),
		zap.String("subscription", q.sub.String()),
	)

	for {
		err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			if q.handleMessage(ctx, msg.Data, handler) {
				msg.Ack()
				return
			}

			msg.Nack()
		})

		if ctx.Err() != nil {
			if isClosed(q.closeChan) {
				return nil
			}

			return ctx.Err()
		}

		if err != nil {
			q.logger.Error(
				"streaming pull failed, resubscribing",
				logfields.Event("queue_receive_failed"),
				zap.Error(err),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pubsubErrorDelay):
			}

			continue
		}

		// Receive returned without error and without cancellation,
		// reopen the streaming pull.
	}
}

// handleMessage decodes and processes one received message, it reports
// whether the message must be acknowledged.
// Malformed messages are acked, redelivering them can not succeed either.
// Handler failures are nacked, the broker redelivers the message.
func (q *PubSubQueue) handleMessage(ctx context.Context, data []byte, handler Handler) (ack bool) {
	var item WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		q.logger.Error(
			"discarding malformed message",
			logfields.Event("queue_message_malformed"),
			zap.Error(err),
		)

		return true
	}

	if err := handler(ctx, &item); err != nil {
		q.logger.Error(
			"handler failed, message will be redelivered",
			append(item.LogFields(),
				logfields.Event("queue_handler_failed"),
				zap.Error(err))...,
		)

		return false
	}

	return true
}

func (q *PubSubQueue) Close() error {
	var err error

	q.closeOnce.Do(func() {
		close(q.closeChan)
		q.topic.Stop()
		err = q.client.Close()

		q.logger.Debug(
			"pub/sub queue closed",
			logfields.Event("queue_closed"),
		)
	})

	return err
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

package webhook

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/simplesurance/ghagent/internal/agenterr"
	"github.com/simplesurance/ghagent/internal/logfields"
	"github.com/simplesurance/ghagent/internal/queue"
	"github.com/simplesurance/ghagent/internal/retry"
)

const DefItemChannelBufferSize = 512

// Publisher drains work items from an in-process channel into the queue
// backend.
// The webhook handler answers its HTTP request as soon as the item is
// buffered, publishing happens asynchronously and is retried with backoff.
// An item whose retries are exhausted is logged and dropped, the sender
// relies on GitHub redelivering the webhook.
type Publisher struct {
	ch       chan *queue.WorkItem
	queue    queue.Queue
	retryer  *retry.Retryer
	logger   *zap.Logger
	stopChan chan struct{}

	wg sync.WaitGroup
}

func NewPublisher(q queue.Queue) *Publisher {
	p := Publisher{
		ch:       make(chan *queue.WorkItem, DefItemChannelBufferSize),
		queue:    q,
		retryer:  retry.NewRetryer(),
		logger:   zap.L().Named("workitem-publisher"),
		stopChan: make(chan struct{}),
	}
	p.wg.Add(1)

	return &p
}

// C returns the channel work items are submitted to.
// The channel stays open after Stop(), a send during shutdown buffers the
// item instead of panicking, it is dropped when the process exits.
func (p *Publisher) C() chan<- *queue.WorkItem {
	return p.ch
}

// Start runs the publish loop until Stop() is called.
// Stop() must only be called after Start() was called.
func (p *Publisher) Start() {
	defer p.wg.Done()

	p.logger.Info("ready to publish work items", logfields.Event("publisher_started"))

	for {
		select {
		case item := <-p.ch:
			p.publish(item)

		case <-p.stopChan:
			// drain what is already buffered, then terminate
			for {
				select {
				case item := <-p.ch:
					p.publish(item)
				default:
					p.logger.Info(
						"publisher terminated",
						logfields.Event("publisher_terminated"),
					)

					return
				}
			}
		}
	}
}

func (p *Publisher) publish(item *queue.WorkItem) {
	err := p.retryer.Run(
		context.Background(),
		func(ctx context.Context) error {
			if err := p.queue.Publish(ctx, item); err != nil {
				// broker errors are transient, retry all of
				// them
				return agenterr.NewRetryableAnytimeError(err)
			}

			return nil
		},
		item.LogFields(),
	)
	if err != nil {
		metrics.lostItems.Inc()
		p.logger.Error(
			"work item lost, publishing failed permanently",
			append(item.LogFields(),
				logfields.Event("workitem_lost"),
				zap.Error(err))...,
		)

		return
	}

	metrics.publishedItems.Inc()
}

// Stop signals the publish loop to terminate, aborts in-flight retries and
// waits until the loop drained the buffered items.
func (p *Publisher) Stop() {
	p.logger.Debug("publisher terminating", logfields.Event("publisher_terminating"))

	close(p.stopChan)
	p.retryer.Stop()
	p.wg.Wait()
}

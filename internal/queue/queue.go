// Package queue provides a durable work-item queue with interchangeable
// backends.
//
// Two backends exist: a Redis list and a Google Pub/Sub topic.
// Both deliver JSON-serialized WorkItem messages to a single consumer with
// at-least-once semantics, callers are agnostic to which backend is active.
package queue

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/ghagent/internal/cfg"
	"github.com/simplesurance/ghagent/internal/logfields"
)

// Handler processes a received work item.
// A returned error marks the delivery attempt as failed, whether the message
// is redelivered depends on the backend.
type Handler func(ctx context.Context, item *WorkItem) error

// Queue is a durable channel for work items.
type Queue interface {
	// Publish serializes the item and enqueues it durably.
	// It fails fast with a *PublishError when the backend is
	// unreachable instead of blocking indefinitely.
	Publish(ctx context.Context, item *WorkItem) error
	// Subscribe receives messages in a blocking loop and invokes handler
	// once per message.
	// Backend errors mid-loop are logged and the loop continues after a
	// short delay, a single malformed or failing message does not
	// terminate it.
	// Subscribe returns when ctx is cancelled or Close is called.
	Subscribe(ctx context.Context, handler Handler) error
	// Close stops the subscribe loop and releases backend resources.
	// It is idempotent.
	Close() error
}

// WorkItem is the unit of queued work, created from a webhook event and
// consumed by the dispatch worker.
type WorkItem struct {
	// Repository in "owner/name" form.
	Repository  string `json:"repository"`
	IssueNumber int    `json:"issue_number"`
	// Command is the raw slash-command line extracted from the comment.
	Command string `json:"command"`
	// User is the login of the triggering actor.
	User string `json:"user"`
	// InstallationID is nil when the event carried no installation, the
	// consumer falls back to a process-wide default.
	InstallationID *int64 `json:"installation_id"`
}

func (w *WorkItem) String() string {
	return fmt.Sprintf("%s#%d: %s", w.Repository, w.IssueNumber, w.Command)
}

// Validate returns an error when the item does not qualify for publishing.
func (w *WorkItem) Validate() error {
	owner, name, found := strings.Cut(w.Repository, "/")
	if !found || owner == "" || name == "" {
		return fmt.Errorf("repository %q is not in owner/name form", w.Repository)
	}

	if w.IssueNumber <= 0 {
		return fmt.Errorf("issue number must be positive, is %d", w.IssueNumber)
	}

	if w.Command == "" {
		return fmt.Errorf("command is empty")
	}

	return nil
}

func (w *WorkItem) LogFields() []zap.Field {
	fields := make([]zap.Field, 0, 4)

	fields = append(fields,
		logfields.Repository(w.Repository),
		logfields.Issue(w.IssueNumber),
	)

	if w.User != "" {
		fields = append(fields, logfields.User(w.User))
	}

	if w.InstallationID != nil {
		fields = append(fields, logfields.InstallationID(*w.InstallationID))
	}

	return fields
}

// PublishError wraps a failure to enqueue a work item.
type PublishError struct {
	Backend string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing work item to %s failed: %s", e.Backend, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// New returns the queue backend selected by the configuration.
// The backend is chosen once at process startup, backends are never mixed
// within one process.
func New(ctx context.Context, config *cfg.Config) (Queue, error) {
	switch config.QueueType {
	case cfg.QueueTypeRedis:
		return NewRedisQueue(config.RedisURL, config.QueueName)
	case cfg.QueueTypePubSub:
		return NewPubSubQueue(ctx, config.GCPProjectID, config.PubSubTopic, config.PubSubSubscription)
	default:
		return nil, fmt.Errorf("unsupported queue type: %q", config.QueueType)
	}
}

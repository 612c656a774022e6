// Package dispatch consumes work items from the queue, runs the agent and
// posts its response as GitHub issue comment.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/ghagent/internal/agent"
	"github.com/simplesurance/ghagent/internal/ghappauth"
	"github.com/simplesurance/ghagent/internal/githubclt"
	"github.com/simplesurance/ghagent/internal/logfields"
	"github.com/simplesurance/ghagent/internal/queue"
)

const loggerName = "dispatch-worker"

// responseBanner is prepended to every agent response comment.
const responseBanner = "🤖 **GitHub Agent Response**"

const promptTemplate = `A user @%s has requested help with issue #%d in repository %s.

Command: %s

Please help by:
1. Getting the issue details to understand what's needed
2. Analyzing the repository structure
3. Creating a branch for the work
4. Making the necessary changes
5. Creating a pull request
6. Summarizing what you did

Repository: %s
Issue: #%d
`

// GithubClient is the subset of GitHub operations the worker needs.
type GithubClient interface {
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
}

// ClientFactory returns a GithubClient authenticating with the given
// installation token.
type ClientFactory func(token string) GithubClient

// Worker subscribes to the queue and processes the received work items.
// Failures are reported back to the issue as error comment, the queue
// handler always succeeds so that broken items are not redelivered
// endlessly.
type Worker struct {
	queue                 queue.Queue
	tokens                ghappauth.TokenSource
	agent                 agent.Capability
	sessions              *SessionStore
	newClient             ClientFactory
	defaultInstallationID int64
	logger                *zap.Logger
}

// NewWorker returns a worker that consumes from q.
// defaultInstallationID is used for work items that carry no installation
// id.
func NewWorker(q queue.Queue, tokens ghappauth.TokenSource, capability agent.Capability, defaultInstallationID int64) *Worker {
	return &Worker{
		queue:    q,
		tokens:   tokens,
		agent:    capability,
		sessions: NewSessionStore(),
		newClient: func(token string) GithubClient {
			return githubclt.New(token)
		},
		defaultInstallationID: defaultInstallationID,
		logger:                zap.L().Named(loggerName),
	}
}

// Run consumes work items until the context is cancelled or the queue is
// closed.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("ready to process work items", logfields.Event("worker_started"))

	return w.queue.Subscribe(ctx, w.process)
}

// process handles a single work item.
// It always returns nil: failures are converted into an error comment on the
// issue, redelivery is only wanted when the process crashes.
func (w *Worker) process(ctx context.Context, item *queue.WorkItem) error {
	start := time.Now()

	if item.User == "" {
		item.User = "unknown"
	}

	logger := w.logger.With(item.LogFields()...)

	if err := item.Validate(); err != nil {
		logger.Error(
			"dropping invalid work item",
			logfields.Event("workitem_invalid"),
			zap.Error(err),
		)
		metrics.processedItems.WithLabelValues(resultDropped).Inc()

		return nil
	}

	logger.Info("processing work item", logfields.Event("workitem_processing_started"))

	responseText, err := w.runAgent(ctx, item, logger)
	if err == nil {
		err = w.postComment(ctx, item, responseBanner+"\n\n"+responseText)
	}

	metrics.processingDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error(
			"processing work item failed",
			logfields.Event("workitem_processing_failed"),
			zap.Error(err),
		)
		metrics.processedItems.WithLabelValues(resultError).Inc()

		w.reportFailure(ctx, item, logger, err)

		return nil
	}

	logger.Info(
		"work item processed successfully",
		logfields.Event("workitem_processed"),
		zap.Duration("duration", time.Since(start)),
	)
	metrics.processedItems.WithLabelValues(resultSuccess).Inc()

	return nil
}

// runAgent executes the agent for the work item and returns the text of its
// final event.
func (w *Worker) runAgent(ctx context.Context, item *queue.WorkItem, logger *zap.Logger) (string, error) {
	sessionID, created := w.sessions.Ensure(item.Repository, item.IssueNumber)
	if created {
		logger.Debug(
			"agent session created",
			logfields.Event("session_created"),
			zap.String("session_id", sessionID),
		)
	}

	events, err := w.agent.Run(ctx, sessionID, buildPrompt(item))
	if err != nil {
		return "", fmt.Errorf("starting agent failed: %w", err)
	}

	var responseText string
	var gotFinal bool

	for ev := range events {
		if ev.Final {
			responseText = strings.TrimSpace(ev.Text)
			gotFinal = true
		}
	}

	if !gotFinal {
		return "", fmt.Errorf("agent session %s terminated without a final response", sessionID)
	}

	return responseText, nil
}

// reportFailure posts an error comment to the issue.
// Failures posting the comment are logged and discarded.
func (w *Worker) reportFailure(ctx context.Context, item *queue.WorkItem, logger *zap.Logger, processErr error) {
	comment := "❌ Error processing request: " + processErr.Error()

	if err := w.postComment(ctx, item, comment); err != nil {
		logger.Error(
			"posting error comment failed",
			logfields.Event("error_comment_failed"),
			zap.Error(err),
		)
	}
}

func (w *Worker) postComment(ctx context.Context, item *queue.WorkItem, comment string) error {
	installationID := w.defaultInstallationID
	if item.InstallationID != nil {
		installationID = *item.InstallationID
	}

	token, err := w.tokens.InstallationToken(ctx, installationID)
	if err != nil {
		return fmt.Errorf("obtaining installation token failed: %w", err)
	}

	owner, repo, err := githubclt.ParseRepoName(item.Repository)
	if err != nil {
		return err
	}

	return w.newClient(token).CreateIssueComment(ctx, owner, repo, item.IssueNumber, comment)
}

func buildPrompt(item *queue.WorkItem) string {
	return fmt.Sprintf(promptTemplate,
		item.User, item.IssueNumber, item.Repository,
		item.Command,
		item.Repository, item.IssueNumber,
	)
}

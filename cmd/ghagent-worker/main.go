// Command ghagent-worker consumes work items from the queue, runs the agent
// and posts its responses as GitHub issue comments.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"

	"github.com/simplesurance/ghagent/internal/agent"
	"github.com/simplesurance/ghagent/internal/bootstrap"
	"github.com/simplesurance/ghagent/internal/dispatch"
	"github.com/simplesurance/ghagent/internal/ghappauth"
	"github.com/simplesurance/ghagent/internal/logfields"
	"github.com/simplesurance/ghagent/internal/queue"
)

const appName = "ghagent-worker"

// Version is set via a ldflag on compilation
var Version = "unknown"

func main() {
	defer bootstrap.PanicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	args := bootstrap.MustParseArgs(appName,
		"Process queued agent work items and respond on GitHub issues.", Version)

	config := bootstrap.MustLoadConfig(args)
	logger := bootstrap.MustInitLogger(args, config)

	bootstrap.ExitOnErr("incomplete configuration", config.RequireGithubApp())
	bootstrap.ExitOnErr("incomplete configuration", config.RequirePubSub())

	if config.AgentCommand == "" {
		bootstrap.ExitOnErr("incomplete configuration", errors.New("AGENT_CMD is required"))
	}

	logger.Info(
		"configuration loaded",
		logfields.Event("cfg_loaded"),
		zap.String("queue_type", config.QueueType),
		zap.String("queue_name", config.QueueName),
		zap.String("github_app_id", config.GithubAppID),
		zap.String("github_private_key", bootstrap.Hide(config.GithubPrivateKey)),
		zap.Int64("github_installation_id", config.GithubInstallationID),
		zap.String("agent_cmd", config.AgentCommand),
		zap.String("metrics_listen_addr", config.MetricsListenAddr),
		zap.String("log_format", config.LogFormat),
		zap.String("log_level", config.LogLevel),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	tokens, err := ghappauth.NewManager(config.GithubAppID, config.GithubPrivateKey)
	bootstrap.ExitOnErr("could not initialize github app authentication", err)

	runner, err := agent.NewCLIRunner(config.AgentCommand)
	bootstrap.ExitOnErr("could not initialize agent runner", err)

	q, err := queue.New(context.Background(), config)
	bootstrap.ExitOnErr("could not create queue backend", err)

	if config.MetricsListenAddr != "" {
		bootstrap.StartMetricsServer(config.MetricsListenAddr)
	}

	ctx, cancelFn := context.WithCancel(context.Background())

	goodbye.Register(func(context.Context, os.Signal) {
		logger.Debug("stopping work item consumer", logfields.Event("worker_stopping"))
		cancelFn()

		if err := q.Close(); err != nil {
			logger.Warn(
				"closing queue backend failed",
				logfields.Event("queue_close_failed"),
				zap.Error(err),
			)
		}
	})

	worker := dispatch.NewWorker(q, tokens, runner, config.GithubInstallationID)

	err = worker.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal(
			"worker terminated unexpectedly",
			logfields.Event("worker_terminated_unexpectedly"),
			zap.Error(err),
		)
	}

	logger.Info("worker terminated", logfields.Event("worker_terminated"))
}

// Command ghagent-webhook receives GitHub webhook events, extracts agent
// commands from issue comments and publishes them as work items to the
// queue.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"

	"github.com/simplesurance/ghagent/internal/bootstrap"
	"github.com/simplesurance/ghagent/internal/logfields"
	"github.com/simplesurance/ghagent/internal/queue"
	"github.com/simplesurance/ghagent/internal/webhook"
)

const appName = "ghagent-webhook"

// Version is set via a ldflag on compilation
var Version = "unknown"

const requestRateLimit = 100 // requests per minute per client IP

func main() {
	defer bootstrap.PanicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	args := bootstrap.MustParseArgs(appName,
		"Receive GitHub webhook events and queue agent work items.", Version)

	config := bootstrap.MustLoadConfig(args)
	logger := bootstrap.MustInitLogger(args, config)

	bootstrap.ExitOnErr("incomplete configuration", config.RequirePubSub())

	logger.Info(
		"configuration loaded",
		logfields.Event("cfg_loaded"),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("queue_type", config.QueueType),
		zap.String("queue_name", config.QueueName),
		zap.String("github_webhook_secret", bootstrap.Hide(config.GithubWebhookSecret)),
		zap.String("log_format", config.LogFormat),
		zap.String("log_level", config.LogLevel),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	q, err := queue.New(context.Background(), config)
	bootstrap.ExitOnErr("could not create queue backend", err)

	publisher := webhook.NewPublisher(q)
	go publisher.Start()

	provider := webhook.New(
		publisher.C(),
		webhook.WithPayloadSecret(config.GithubWebhookSecret),
	)

	router := chi.NewRouter()
	router.Use(httprate.LimitByIP(requestRateLimit, time.Minute))
	provider.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	bootstrap.StartHTTPServer("webhook", config.HTTPListenAddr, router)

	// registered after the server shutdown hook, the server stops
	// accepting deliveries before the publisher terminates
	goodbye.Register(func(context.Context, os.Signal) {
		logger.Debug("stopping work item publisher", logfields.Event("publisher_stopping"))
		publisher.Stop()

		if err := q.Close(); err != nil {
			logger.Warn(
				"closing queue backend failed",
				logfields.Event("queue_close_failed"),
				zap.Error(err),
			)
		}
	})

	select {}
}

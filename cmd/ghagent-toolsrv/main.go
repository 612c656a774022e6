// Command ghagent-toolsrv serves the GitHub tools that agents invoke via
// HTTP, enforcing per-agent permissions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"

	"github.com/simplesurance/ghagent/internal/agenttools"
	"github.com/simplesurance/ghagent/internal/bootstrap"
	"github.com/simplesurance/ghagent/internal/ghappauth"
	"github.com/simplesurance/ghagent/internal/githubclt"
	"github.com/simplesurance/ghagent/internal/logfields"
)

const appName = "ghagent-toolsrv"

// Version is set via a ldflag on compilation
var Version = "unknown"

const requestRateLimit = 300 // requests per minute per client IP

func main() {
	defer bootstrap.PanicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	args := bootstrap.MustParseArgs(appName,
		"Serve GitHub tools for agents over HTTP.", Version)

	config := bootstrap.MustLoadConfig(args)
	logger := bootstrap.MustInitLogger(args, config)

	bootstrap.ExitOnErr("incomplete configuration", config.RequireGithubApp())

	if config.GithubInstallationID == 0 {
		bootstrap.ExitOnErr("incomplete configuration", errors.New("GITHUB_INSTALLATION_ID is required"))
	}

	logger.Info(
		"configuration loaded",
		logfields.Event("cfg_loaded"),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("github_app_id", config.GithubAppID),
		zap.String("github_private_key", bootstrap.Hide(config.GithubPrivateKey)),
		zap.Int64("github_installation_id", config.GithubInstallationID),
		zap.String("agent_roles_file", config.AgentRolesFile),
		zap.String("log_format", config.LogFormat),
		zap.String("log_level", config.LogLevel),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	tokens, err := ghappauth.NewManager(config.GithubAppID, config.GithubPrivateKey)
	bootstrap.ExitOnErr("could not initialize github app authentication", err)

	perms := agenttools.NewPermissions()
	if config.AgentRolesFile != "" {
		bootstrap.ExitOnErr("could not load agent roles", perms.LoadRoles(config.AgentRolesFile))

		logger.Info(
			"agent roles loaded",
			logfields.Event("agent_roles_loaded"),
			zap.String("agent_roles_file", config.AgentRolesFile),
		)
	}

	registry := agenttools.NewRegistry(perms, func(ctx context.Context) (agenttools.GithubOps, error) {
		token, err := tokens.InstallationToken(ctx, config.GithubInstallationID)
		if err != nil {
			return nil, err
		}

		return githubclt.New(token), nil
	})

	router := chi.NewRouter()
	router.Use(httprate.LimitByIP(requestRateLimit, time.Minute))
	agenttools.NewHTTPService(registry).RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	bootstrap.StartHTTPServer("toolservice", config.HTTPListenAddr, router)

	select {}
}

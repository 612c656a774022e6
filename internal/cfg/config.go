// Package cfg loads the process configuration from environment variables.
package cfg

import (
	"fmt"
	"os"
	"strconv"
)

const (
	QueueTypeRedis  = "redis"
	QueueTypePubSub = "pubsub"
)

const (
	defQueueType          = QueueTypeRedis
	defRedisURL           = "redis://localhost:6379"
	defQueueName          = "agent-requests"
	defPubSubSubscription = "agent-requests-sub"
	defPort               = 8080
	defLogFormat          = "logfmt"
	defLogLevel           = "info"
	defLogTimeKey         = "time_iso8601"
)

type Config struct {
	GithubAppID          string
	GithubPrivateKey     string
	GithubInstallationID int64
	GithubWebhookSecret  string

	QueueType          string
	RedisURL           string
	QueueName          string
	GCPProjectID       string
	PubSubTopic        string
	PubSubSubscription string

	HTTPListenAddr    string
	MetricsListenAddr string

	AgentCommand   string
	AgentRolesFile string

	LogFormat  string
	LogLevel   string
	LogTimeKey string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

// FromEnv reads the configuration from environment variables and applies
// default values for unset options.
// It fails if a set value can not be parsed or is unsupported.
// Options that are only needed by some of the processes are not checked for
// presence here, the commands validate them via the Require* methods.
func FromEnv() (*Config, error) {
	c := Config{
		GithubAppID:         os.Getenv("GITHUB_APP_ID"),
		GithubPrivateKey:    os.Getenv("GITHUB_PRIVATE_KEY"),
		GithubWebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),

		QueueType:          getenv("QUEUE_TYPE", defQueueType),
		RedisURL:           getenv("REDIS_URL", defRedisURL),
		QueueName:          getenv("QUEUE_NAME", defQueueName),
		GCPProjectID:       os.Getenv("GCP_PROJECT_ID"),
		PubSubTopic:        getenv("PUBSUB_TOPIC", defQueueName),
		PubSubSubscription: getenv("PUBSUB_SUBSCRIPTION", defPubSubSubscription),

		MetricsListenAddr: os.Getenv("METRICS_LISTEN_ADDR"),

		AgentCommand:   os.Getenv("AGENT_CMD"),
		AgentRolesFile: os.Getenv("AGENT_ROLES_FILE"),

		LogFormat:  getenv("LOG_FORMAT", defLogFormat),
		LogLevel:   getenv("LOG_LEVEL", defLogLevel),
		LogTimeKey: getenv("LOG_TIME_KEY", defLogTimeKey),
	}

	if keyFile := os.Getenv("GITHUB_PRIVATE_KEY_FILE"); keyFile != "" {
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("reading GITHUB_PRIVATE_KEY_FILE failed: %w", err)
		}

		c.GithubPrivateKey = string(pem)
	}

	if c.QueueType != QueueTypeRedis && c.QueueType != QueueTypePubSub {
		return nil, fmt.Errorf("unsupported QUEUE_TYPE: %q, supported values: %s, %s",
			c.QueueType, QueueTypeRedis, QueueTypePubSub)
	}

	port := defPort
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PORT must be an integer: %w", err)
		}

		port = p
	}
	c.HTTPListenAddr = fmt.Sprintf(":%d", port)

	if v := os.Getenv("GITHUB_INSTALLATION_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("GITHUB_INSTALLATION_ID must be an integer: %w", err)
		}

		c.GithubInstallationID = id
	}

	return &c, nil
}

// RequireGithubApp ensures that the options needed for GitHub App
// authentication are set.
func (c *Config) RequireGithubApp() error {
	if c.GithubAppID == "" {
		return fmt.Errorf("GITHUB_APP_ID is required")
	}

	if c.GithubPrivateKey == "" {
		return fmt.Errorf("GITHUB_PRIVATE_KEY or GITHUB_PRIVATE_KEY_FILE is required")
	}

	return nil
}

// RequirePubSub ensures that the options needed for the Pub/Sub queue
// backend are set.
func (c *Config) RequirePubSub() error {
	if c.QueueType != QueueTypePubSub {
		return nil
	}

	if c.GCPProjectID == "" {
		return fmt.Errorf("GCP_PROJECT_ID is required when QUEUE_TYPE=pubsub")
	}

	return nil
}

// Package logfields provides zap field constructors for fields that are
// logged by multiple components.
package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func Repository(val string) zap.Field {
	return zap.String("github.repository", val)
}

func Issue(val int) zap.Field {
	return zap.Int("github.issue", val)
}

func User(val string) zap.Field {
	return zap.String("github.user", val)
}

func Command(val string) zap.Field {
	return zap.String("agent.command", val)
}

func InstallationID(val int64) zap.Field {
	return zap.Int64("github.installation_id", val)
}

func Queue(val string) zap.Field {
	return zap.String("queue", val)
}

func Tool(val string) zap.Field {
	return zap.String("agent.tool", val)
}

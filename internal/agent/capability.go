// Package agent defines the boundary to the AI agent that processes work
// items and provides a subprocess-based implementation.
package agent

import "context"

// Event is a single message emitted by an agent run.
// The event with Final set carries the text that is posted as the response.
type Event struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Capability runs agent sessions.
type Capability interface {
	// Run starts processing prompt in the given session and returns a
	// channel that streams the emitted events.
	// The channel is closed when the run terminated.
	// Run returns an error if the run could not be started.
	Run(ctx context.Context, sessionID, prompt string) (<-chan Event, error)
}

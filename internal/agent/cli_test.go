package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()

	var result []Event
	timeout := time.After(10 * time.Second)

	for {
		select {
		case ev, open := <-events:
			if !open {
				return result
			}

			result = append(result, ev)

		case <-timeout:
			t.Fatal("timeout waiting for agent events")
		}
	}
}

func TestCLIRunnerStreamsEvents(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := CLIRunner{
		command: []string{"/bin/sh", "-c", `
			echo '{"text":"working on it","final":false}'
			echo '{"text":"all done","final":true}'
		`},
		logger: zap.L(),
	}

	events, err := r.Run(context.Background(), "fho_repo_1", "hello")
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, Event{Text: "working on it"}, got[0])
	assert.Equal(t, Event{Text: "all done", Final: true}, got[1])
}

func TestCLIRunnerPassesSessionAndPrompt(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := CLIRunner{
		command: []string{"/bin/sh", "-c",
			`read -r prompt; printf '{"text":"%s:%s","final":true}\n' "$GHAGENT_SESSION" "$prompt"`,
		},
		logger: zap.L(),
	}

	events, err := r.Run(context.Background(), "fho_repo_17", "do-the-thing")
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, "fho_repo_17:do-the-thing", got[0].Text)
	assert.True(t, got[0].Final)
}

func TestCLIRunnerSkipsUndecodableLines(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := CLIRunner{
		command: []string{"/bin/sh", "-c", `
			echo 'plain log output, not an event'
			echo '{"text":"done","final":true}'
		`},
		logger: zap.L(),
	}

	events, err := r.Run(context.Background(), "s", "p")
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, Event{Text: "done", Final: true}, got[0])
}

func TestCLIRunnerProcessFailureClosesChannel(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := CLIRunner{
		command: []string{"/bin/sh", "-c", "exit 3"},
		logger:  zap.L(),
	}

	events, err := r.Run(context.Background(), "s", "p")
	require.NoError(t, err)

	assert.Empty(t, collect(t, events))
}

func TestNewCLIRunnerRejectsEmptyCommand(t *testing.T) {
	_, err := NewCLIRunner("   ")
	require.Error(t, err)
}

func TestNewCLIRunnerSplitsArguments(t *testing.T) {
	r, err := NewCLIRunner("/usr/local/bin/agent --json-events --verbose")
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"/usr/local/bin/agent", "--json-events", "--verbose"},
		r.command,
	)
}

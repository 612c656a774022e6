package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/ghagent/internal/logfields"
)

// sessionEnvVar is set in the environment of the agent process, it allows
// the agent to resume conversation state across runs for the same issue.
const sessionEnvVar = "GHAGENT_SESSION"

// maxEventSize is the maximum accepted length of a single event line on the
// agent's stdout.
const maxEventSize = 1024 * 1024

// CLIRunner implements Capability by running an external agent command.
// The prompt is written to the stdin of the process, the session id is
// passed via the GHAGENT_SESSION environment variable.
// The process reports events as JSON objects, one per stdout line.
type CLIRunner struct {
	command []string
	logger  *zap.Logger
}

// NewCLIRunner returns a runner that executes command.
// command is split on whitespace into the program and its arguments.
func NewCLIRunner(command string) (*CLIRunner, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("agent command is empty")
	}

	return &CLIRunner{
		command: args,
		logger:  zap.L().Named("agent-cli"),
	}, nil
}

func (r *CLIRunner) Run(ctx context.Context, sessionID, prompt string) (<-chan Event, error) {
	logger := r.logger.With(zap.String("session_id", sessionID))

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Env = append(os.Environ(), sessionEnvVar+"="+sessionID)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe failed: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q failed: %w", r.command[0], err)
	}

	logger.Debug(
		"agent process started",
		logfields.Event("agent_started"),
		zap.String("command", r.command[0]),
		zap.Int("pid", cmd.Process.Pid),
	)

	events := make(chan Event)

	go func() {
		defer close(events)

		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}

			var ev Event
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				logger.Warn(
					"ignoring undecodable agent event",
					logfields.Event("agent_event_undecodable"),
					zap.Error(err),
				)

				continue
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				_ = cmd.Wait()

				return
			}
		}

		if err := sc.Err(); err != nil {
			logger.Error(
				"reading agent output failed",
				logfields.Event("agent_output_read_failed"),
				zap.Error(err),
			)
		}

		if err := cmd.Wait(); err != nil {
			logger.Error(
				"agent process failed",
				logfields.Event("agent_run_failed"),
				zap.Error(err),
			)

			return
		}

		logger.Debug("agent process terminated", logfields.Event("agent_terminated"))
	}()

	return events, nil
}

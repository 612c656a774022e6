package webhook

import "strings"

// CommandPrefix marks a comment line as an agent command.
const CommandPrefix = "/agent"

// ParseCommand extracts the agent command from a comment body.
// It returns the first line that, after trimming surrounding whitespace,
// begins with CommandPrefix.
// An empty string is returned when the body contains no command.
func ParseCommand(commentBody string) string {
	for _, line := range strings.Split(commentBody, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, CommandPrefix) {
			return line
		}
	}

	return ""
}

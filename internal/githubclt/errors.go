package githubclt

import (
	"fmt"
	"strings"
)

// APIError wraps a failed GitHub API operation, naming the operation and
// the path or resource it acted on.
type APIError struct {
	Op       string
	Resource string
	Err      error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github operation %s failed for %q: %s", e.Op, e.Resource, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ParseRepoName splits a repository name in "owner/name" form.
func ParseRepoName(fullName string) (owner, repo string, err error) {
	owner, repo, found := strings.Cut(fullName, "/")
	if !found || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("repository %q is not in owner/name form", fullName)
	}

	return owner, repo, nil
}

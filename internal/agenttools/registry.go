package agenttools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/simplesurance/ghagent/internal/githubclt"
)

// ErrUnknownTool is returned by Dispatch for tool names that are not in the
// registry.
var ErrUnknownTool = errors.New("unknown tool")

// ParamsError is returned when the parameters of a tool call are malformed
// or incomplete.
type ParamsError struct {
	Tool string
	Err  error
}

func (e *ParamsError) Error() string {
	return fmt.Sprintf("invalid parameters for tool %q: %s", e.Tool, e.Err)
}

func (e *ParamsError) Unwrap() error {
	return e.Err
}

// GithubOps is the set of GitHub operations the tools are backed by.
// It is implemented by githubclt.Client.
type GithubOps interface {
	GetIssue(ctx context.Context, owner, repo string, issueNumber int) (*githubclt.Issue, error)
	ReadFile(ctx context.Context, owner, repo, path, ref string) (string, error)
	ListFiles(ctx context.Context, owner, repo, path, ref string) ([]*githubclt.DirEntry, error)
	CreateBranch(ctx context.Context, owner, repo, branchName, fromRef string) error
	UpdateFile(ctx context.Context, owner, repo, path, branch, message string, content []byte) (string, error)
	CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*githubclt.PullRequest, error)
}

// ClientSource provides an authenticated GitHub client per tool call.
// Tokens are short-lived, clients must not be cached across calls.
type ClientSource func(ctx context.Context) (GithubOps, error)

type toolHandler func(ctx context.Context, gh GithubOps, params json.RawMessage) (any, error)

type tool struct {
	handler    toolHandler
	permission Permission
}

// Registry dispatches tool calls to their handlers after checking the
// calling agent's permission.
type Registry struct {
	perms     *Permissions
	newClient ClientSource
	tools     map[string]tool
}

func NewRegistry(perms *Permissions, clientSource ClientSource) *Registry {
	return &Registry{
		perms:     perms,
		newClient: clientSource,
		tools: map[string]tool{
			"get_issue":           {handler: getIssue, permission: PermGetIssue},
			"read_file":           {handler: readFile, permission: PermReadFile},
			"list_files":          {handler: listFiles, permission: PermListFiles},
			"create_branch":       {handler: createBranch, permission: PermCreateBranch},
			"update_file":         {handler: updateFile, permission: PermUpdateFile},
			"create_pull_request": {handler: createPullRequest, permission: PermCreatePR},
		},
	}
}

// ToolNames returns the names of all registered tools.
func (r *Registry) ToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}

	return names
}

// Dispatch runs the named tool with the given JSON parameters on behalf of
// agentID.
// It returns ErrUnknownTool, *PermissionError or *ParamsError for rejected
// calls, errors of the GitHub operation are passed through.
func (r *Registry) Dispatch(ctx context.Context, agentID, name string, params json.RawMessage) (any, error) {
	t, exist := r.tools[name]
	if !exist {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	if err := r.perms.Check(agentID, t.permission); err != nil {
		return nil, err
	}

	gh, err := r.newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating github client failed: %w", err)
	}

	return t.handler(ctx, gh, params)
}

func decodeParams(toolName string, raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	if err := json.Unmarshal(raw, into); err != nil {
		return &ParamsError{Tool: toolName, Err: err}
	}

	return nil
}

func splitRepoParam(toolName, repo string) (owner, name string, err error) {
	owner, name, err = githubclt.ParseRepoName(repo)
	if err != nil {
		return "", "", &ParamsError{Tool: toolName, Err: err}
	}

	return owner, name, nil
}

func getIssue(ctx context.Context, gh GithubOps, params json.RawMessage) (any, error) {
	var p struct {
		Repo        string `json:"repo"`
		IssueNumber int    `json:"issue_number"`
	}

	if err := decodeParams("get_issue", params, &p); err != nil {
		return nil, err
	}

	if p.IssueNumber <= 0 {
		return nil, &ParamsError{Tool: "get_issue", Err: errors.New("issue_number must be a positive integer")}
	}

	owner, repo, err := splitRepoParam("get_issue", p.Repo)
	if err != nil {
		return nil, err
	}

	return gh.GetIssue(ctx, owner, repo, p.IssueNumber)
}

func readFile(ctx context.Context, gh GithubOps, params json.RawMessage) (any, error) {
	var p struct {
		Repo string `json:"repo"`
		Path string `json:"path"`
		Ref  string `json:"ref"`
	}

	if err := decodeParams("read_file", params, &p); err != nil {
		return nil, err
	}

	if p.Path == "" {
		return nil, &ParamsError{Tool: "read_file", Err: errors.New("path must not be empty")}
	}

	owner, repo, err := splitRepoParam("read_file", p.Repo)
	if err != nil {
		return nil, err
	}

	content, err := gh.ReadFile(ctx, owner, repo, p.Path, p.Ref)
	if err != nil {
		return nil, err
	}

	return map[string]string{"content": content}, nil
}

func listFiles(ctx context.Context, gh GithubOps, params json.RawMessage) (any, error) {
	var p struct {
		Repo string `json:"repo"`
		Path string `json:"path"`
		Ref  string `json:"ref"`
	}

	if err := decodeParams("list_files", params, &p); err != nil {
		return nil, err
	}

	owner, repo, err := splitRepoParam("list_files", p.Repo)
	if err != nil {
		return nil, err
	}

	return gh.ListFiles(ctx, owner, repo, p.Path, p.Ref)
}

func createBranch(ctx context.Context, gh GithubOps, params json.RawMessage) (any, error) {
	var p struct {
		Repo       string `json:"repo"`
		BranchName string `json:"branch_name"`
		FromRef    string `json:"from_ref"`
	}

	if err := decodeParams("create_branch", params, &p); err != nil {
		return nil, err
	}

	if p.BranchName == "" {
		return nil, &ParamsError{Tool: "create_branch", Err: errors.New("branch_name must not be empty")}
	}

	owner, repo, err := splitRepoParam("create_branch", p.Repo)
	if err != nil {
		return nil, err
	}

	if err := gh.CreateBranch(ctx, owner, repo, p.BranchName, p.FromRef); err != nil {
		return nil, err
	}

	return map[string]string{
		"message": fmt.Sprintf("successfully created branch %q", p.BranchName),
	}, nil
}

func updateFile(ctx context.Context, gh GithubOps, params json.RawMessage) (any, error) {
	var p struct {
		Repo    string `json:"repo"`
		Path    string `json:"path"`
		Content string `json:"content"`
		Message string `json:"message"`
		Branch  string `json:"branch"`
	}

	if err := decodeParams("update_file", params, &p); err != nil {
		return nil, err
	}

	switch {
	case p.Path == "":
		return nil, &ParamsError{Tool: "update_file", Err: errors.New("path must not be empty")}
	case p.Message == "":
		return nil, &ParamsError{Tool: "update_file", Err: errors.New("message must not be empty")}
	case p.Branch == "":
		return nil, &ParamsError{Tool: "update_file", Err: errors.New("branch must not be empty")}
	}

	owner, repo, err := splitRepoParam("update_file", p.Repo)
	if err != nil {
		return nil, err
	}

	action, err := gh.UpdateFile(ctx, owner, repo, p.Path, p.Branch, p.Message, []byte(p.Content))
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"action":  action,
		"message": fmt.Sprintf("%s file %q successfully", action, p.Path),
	}, nil
}

func createPullRequest(ctx context.Context, gh GithubOps, params json.RawMessage) (any, error) {
	var p struct {
		Repo  string `json:"repo"`
		Title string `json:"title"`
		Body  string `json:"body"`
		Head  string `json:"head"`
		Base  string `json:"base"`
	}

	if err := decodeParams("create_pull_request", params, &p); err != nil {
		return nil, err
	}

	switch {
	case p.Title == "":
		return nil, &ParamsError{Tool: "create_pull_request", Err: errors.New("title must not be empty")}
	case p.Head == "":
		return nil, &ParamsError{Tool: "create_pull_request", Err: errors.New("head must not be empty")}
	}

	owner, repo, err := splitRepoParam("create_pull_request", p.Repo)
	if err != nil {
		return nil, err
	}

	return gh.CreatePullRequest(ctx, owner, repo, p.Title, p.Body, p.Head, p.Base)
}

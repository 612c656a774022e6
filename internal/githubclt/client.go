// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v43/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/ghagent/internal/agenterr"
	"github.com/simplesurance/ghagent/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

const defaultRef = "main"

// New returns a new github api client authenticating with the given bearer
// token.
// The token is typically a short-lived installation access token obtained
// via ghappauth.
func New(token string) *Client {
	httpClient := newHTTPClient(token)
	return &Client{
		restClt: github.NewClient(httpClient),
		logger:  zap.L().Named(loggerName),
	}
}

func newHTTPClient(token string) *http.Client {
	if token == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is a github API client.
// Operation failures are wrapped in *APIError, failures that can be retried
// (exceeded ratelimits, 5xx replies) additionally wrap
// agenterr.RetryableError.
type Client struct {
	restClt *github.Client
	logger  *zap.Logger
}

// Issue is the subset of issue fields the agent tooling exposes.
type Issue struct {
	Number    int      `json:"number"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	State     string   `json:"state"`
	Labels    []string `json:"labels"`
	User      string   `json:"user"`
	CreatedAt string   `json:"created_at"`
	URL       string   `json:"url"`
}

// DirEntry describes one entry of a repository directory listing.
type DirEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	Size int    `json:"size"`
	SHA  string `json:"sha"`
}

// PullRequest is the subset of pull-request fields the agent tooling
// exposes.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

// GetIssue retrieves an issue.
func (clt *Client) GetIssue(ctx context.Context, owner, repo string, issueNumber int) (*Issue, error) {
	issue, _, err := clt.restClt.Issues.Get(ctx, owner, repo, issueNumber)
	if err != nil {
		return nil, clt.wrapErr("get_issue", fmt.Sprintf("%s/%s#%d", owner, repo, issueNumber), err)
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}

	return &Issue{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		Labels:    labels,
		User:      issue.GetUser().GetLogin(),
		CreatedAt: issue.GetCreatedAt().Format(time.RFC3339),
		URL:       issue.GetHTMLURL(),
	}, nil
}

// ReadFile returns the decoded content of a file.
// ref defaults to the main branch when empty.
func (clt *Client) ReadFile(ctx context.Context, owner, repo, path, ref string) (string, error) {
	if ref == "" {
		ref = defaultRef
	}

	fileContent, _, _, err := clt.restClt.Repositories.GetContents(
		ctx, owner, repo, path,
		&github.RepositoryContentGetOptions{Ref: ref},
	)
	if err != nil {
		return "", clt.wrapErr("read_file", path, err)
	}

	if fileContent == nil {
		return "", &APIError{Op: "read_file", Resource: path, Err: errors.New("path is a directory, not a file")}
	}

	content, err := fileContent.GetContent()
	if err != nil {
		return "", &APIError{Op: "read_file", Resource: path, Err: err}
	}

	return content, nil
}

// ListFiles lists the entries of a repository directory.
// path may be empty for the repository root, ref defaults to the main
// branch when empty.
func (clt *Client) ListFiles(ctx context.Context, owner, repo, path, ref string) ([]*DirEntry, error) {
	if ref == "" {
		ref = defaultRef
	}

	fileContent, dirContent, _, err := clt.restClt.Repositories.GetContents(
		ctx, owner, repo, path,
		&github.RepositoryContentGetOptions{Ref: ref},
	)
	if err != nil {
		return nil, clt.wrapErr("list_files", path, err)
	}

	if dirContent == nil && fileContent != nil {
		dirContent = []*github.RepositoryContent{fileContent}
	}

	entries := make([]*DirEntry, 0, len(dirContent))
	for _, c := range dirContent {
		entries = append(entries, &DirEntry{
			Name: c.GetName(),
			Path: c.GetPath(),
			Type: c.GetType(),
			Size: c.GetSize(),
			SHA:  c.GetSHA(),
		})
	}

	return entries, nil
}

// CreateBranch creates a new branch pointing at the head commit of fromRef.
// fromRef defaults to the main branch when empty.
func (clt *Client) CreateBranch(ctx context.Context, owner, repo, branchName, fromRef string) error {
	if fromRef == "" {
		fromRef = defaultRef
	}

	srcRef, _, err := clt.restClt.Git.GetRef(ctx, owner, repo, "refs/heads/"+fromRef)
	if err != nil {
		return clt.wrapErr("create_branch", fromRef, err)
	}

	newRef := "refs/heads/" + branchName
	_, _, err = clt.restClt.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    &newRef,
		Object: &github.GitObject{SHA: srcRef.GetObject().SHA},
	})
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusUnprocessableEntity {
			return &APIError{
				Op:       "create_branch",
				Resource: branchName,
				Err:      fmt.Errorf("branch already exists: %w", err),
			}
		}

		return clt.wrapErr("create_branch", branchName, err)
	}

	clt.logger.Debug(
		"branch created",
		logfields.Event("github_branch_created"),
		logfields.Repository(owner+"/"+repo),
		zap.String("github.branch", branchName),
		zap.String("github.base_ref", fromRef),
	)

	return nil
}

// UpdateFile creates the file or, when it already exists on the branch,
// replaces its content.
// It returns the performed action, "created" or "updated".
func (clt *Client) UpdateFile(ctx context.Context, owner, repo, path, branch, message string, content []byte) (action string, err error) {
	opts := github.RepositoryContentFileOptions{
		Message: &message,
		Content: content,
		Branch:  &branch,
	}

	existing, _, _, err := clt.restClt.Repositories.GetContents(
		ctx, owner, repo, path,
		&github.RepositoryContentGetOptions{Ref: branch},
	)
	if err != nil {
		var respErr *github.ErrorResponse
		if !errors.As(err, &respErr) || respErr.Response.StatusCode != http.StatusNotFound {
			return "", clt.wrapErr("update_file", path, err)
		}

		// file does not exist, create it
		_, _, err = clt.restClt.Repositories.CreateFile(ctx, owner, repo, path, &opts)
		if err != nil {
			return "", clt.wrapErr("update_file", path, err)
		}

		return "created", nil
	}

	if existing == nil {
		return "", &APIError{Op: "update_file", Resource: path, Err: errors.New("path is a directory")}
	}

	opts.SHA = existing.SHA

	_, _, err = clt.restClt.Repositories.UpdateFile(ctx, owner, repo, path, &opts)
	if err != nil {
		return "", clt.wrapErr("update_file", path, err)
	}

	return "updated", nil
}

// CreatePullRequest opens a pull request merging head into base.
// base defaults to the main branch when empty.
func (clt *Client) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*PullRequest, error) {
	if base == "" {
		base = defaultRef
	}

	pr, _, err := clt.restClt.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &title,
		Body:  &body,
		Head:  &head,
		Base:  &base,
	})
	if err != nil {
		return nil, clt.wrapErr("create_pull_request", head, err)
	}

	clt.logger.Debug(
		"pull request created",
		logfields.Event("github_pull_request_created"),
		logfields.Repository(owner+"/"+repo),
		zap.Int("github.pull_request_nr", pr.GetNumber()),
	)

	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Title:  pr.GetTitle(),
		State:  pr.GetState(),
	}, nil
}

// CreateIssueComment creates a comment in an issue or pull request.
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	if err != nil {
		return clt.wrapErr("create_issue_comment", fmt.Sprintf("%s/%s#%d", owner, repo, issueOrPRNr), err)
	}

	return nil
}

func (clt *Client) wrapErr(op, resource string, err error) error {
	return &APIError{Op: op, Resource: resource, Err: clt.wrapRetryableErrors(err)}
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return agenterr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return agenterr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

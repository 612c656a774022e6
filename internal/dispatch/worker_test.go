package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/ghagent/internal/agent"
	"github.com/simplesurance/ghagent/internal/dispatch/mocks"
	"github.com/simplesurance/ghagent/internal/queue"
)

const defInstallationID = int64(999)

type fakeTokenSource struct {
	requestedIDs []int64
	err          error
}

func (f *fakeTokenSource) InstallationToken(_ context.Context, installationID int64) (string, error) {
	f.requestedIDs = append(f.requestedIDs, installationID)
	return "tok", f.err
}

type fakeCapability struct {
	events     []agent.Event
	startErr   error
	sessionIDs []string
	prompts    []string
}

func (f *fakeCapability) Run(_ context.Context, sessionID, prompt string) (<-chan agent.Event, error) {
	f.sessionIDs = append(f.sessionIDs, sessionID)
	f.prompts = append(f.prompts, prompt)

	if f.startErr != nil {
		return nil, f.startErr
	}

	ch := make(chan agent.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)

	return ch, nil
}

func newTestWorker(t *testing.T, capability agent.Capability, ghClt GithubClient) (*Worker, *fakeTokenSource) {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	tokens := fakeTokenSource{}
	w := NewWorker(nil, &tokens, capability, defInstallationID)
	w.newClient = func(string) GithubClient { return ghClt }

	return w, &tokens
}

func testWorkItem() *queue.WorkItem {
	installationID := int64(4711)

	return &queue.WorkItem{
		Repository:     "fho/repo",
		IssueNumber:    17,
		Command:        "/agent fix the login bug",
		User:           "fho",
		InstallationID: &installationID,
	}
}

func TestProcessPostsAgentResponse(t *testing.T) {
	mockctrl := gomock.NewController(t)

	capability := fakeCapability{events: []agent.Event{
		{Text: "looking into it"},
		{Text: "I fixed the login bug in PR #18.", Final: true},
	}}

	ghClt := mocks.NewMockGithubClient(mockctrl)
	ghClt.EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Eq("fho"), gomock.Eq("repo"), gomock.Eq(17), gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, _ int, comment string) error {
			assert.Equal(t, "🤖 **GitHub Agent Response**\n\nI fixed the login bug in PR #18.", comment)
			return nil
		})

	w, tokens := newTestWorker(t, &capability, ghClt)

	require.NoError(t, w.process(context.Background(), testWorkItem()))
	assert.Equal(t, []int64{4711}, tokens.requestedIDs)
}

func TestProcessUsesDefaultInstallationID(t *testing.T) {
	mockctrl := gomock.NewController(t)

	capability := fakeCapability{events: []agent.Event{{Text: "done", Final: true}}}

	ghClt := mocks.NewMockGithubClient(mockctrl)
	ghClt.EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil)

	w, tokens := newTestWorker(t, &capability, ghClt)

	item := testWorkItem()
	item.InstallationID = nil

	require.NoError(t, w.process(context.Background(), item))
	assert.Equal(t, []int64{defInstallationID}, tokens.requestedIDs)
}

func TestProcessPromptContainsRequestDetails(t *testing.T) {
	mockctrl := gomock.NewController(t)

	capability := fakeCapability{events: []agent.Event{{Text: "done", Final: true}}}

	ghClt := mocks.NewMockGithubClient(mockctrl)
	ghClt.EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil)

	w, _ := newTestWorker(t, &capability, ghClt)

	require.NoError(t, w.process(context.Background(), testWorkItem()))

	require.Len(t, capability.prompts, 1)
	prompt := capability.prompts[0]
	assert.Contains(t, prompt, "A user @fho has requested help with issue #17 in repository fho/repo.")
	assert.Contains(t, prompt, "Command: /agent fix the login bug")
	assert.Contains(t, prompt, "Creating a pull request")

	require.Len(t, capability.sessionIDs, 1)
	assert.Equal(t, "fho_repo_17", capability.sessionIDs[0])
}

func TestProcessAgentStartFailurePostsErrorComment(t *testing.T) {
	mockctrl := gomock.NewController(t)

	capability := fakeCapability{startErr: errors.New("agent binary not found")}

	ghClt := mocks.NewMockGithubClient(mockctrl)
	ghClt.EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Eq("fho"), gomock.Eq("repo"), gomock.Eq(17), gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, _ int, comment string) error {
			assert.True(t, strings.HasPrefix(comment, "❌ Error processing request: "), comment)
			assert.Contains(t, comment, "agent binary not found")
			return nil
		})

	w, _ := newTestWorker(t, &capability, ghClt)

	require.NoError(t, w.process(context.Background(), testWorkItem()))
}

func TestProcessMissingFinalEventPostsErrorComment(t *testing.T) {
	mockctrl := gomock.NewController(t)

	capability := fakeCapability{events: []agent.Event{{Text: "working"}}}

	ghClt := mocks.NewMockGithubClient(mockctrl)
	ghClt.EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, _ int, comment string) error {
			assert.Contains(t, comment, "without a final response")
			return nil
		})

	w, _ := newTestWorker(t, &capability, ghClt)

	require.NoError(t, w.process(context.Background(), testWorkItem()))
}

func TestProcessCommentFailuresAreSwallowed(t *testing.T) {
	mockctrl := gomock.NewController(t)

	capability := fakeCapability{events: []agent.Event{{Text: "done", Final: true}}}

	// posting the response fails, posting the error comment fails too
	ghClt := mocks.NewMockGithubClient(mockctrl)
	ghClt.EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(errors.New("github is down")).
		Times(2)

	w, _ := newTestWorker(t, &capability, ghClt)

	require.NoError(t, w.process(context.Background(), testWorkItem()))
}

func TestProcessTokenFailurePostsNoComment(t *testing.T) {
	mockctrl := gomock.NewController(t)

	capability := fakeCapability{events: []agent.Event{{Text: "done", Final: true}}}
	ghClt := mocks.NewMockGithubClient(mockctrl)

	w, tokens := newTestWorker(t, &capability, ghClt)
	tokens.err = errors.New("key rejected")

	// both the response and the error comment need a token, no github
	// call must happen
	require.NoError(t, w.process(context.Background(), testWorkItem()))
	assert.Equal(t, []int64{4711, 4711}, tokens.requestedIDs)
}

func TestProcessDropsInvalidItem(t *testing.T) {
	mockctrl := gomock.NewController(t)

	capability := fakeCapability{}
	ghClt := mocks.NewMockGithubClient(mockctrl)

	w, tokens := newTestWorker(t, &capability, ghClt)

	item := testWorkItem()
	item.Command = ""

	require.NoError(t, w.process(context.Background(), item))
	assert.Empty(t, capability.sessionIDs)
	assert.Empty(t, tokens.requestedIDs)
}

func TestProcessDefaultsMissingUser(t *testing.T) {
	mockctrl := gomock.NewController(t)

	capability := fakeCapability{events: []agent.Event{{Text: "done", Final: true}}}

	ghClt := mocks.NewMockGithubClient(mockctrl)
	ghClt.EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil)

	w, _ := newTestWorker(t, &capability, ghClt)

	item := testWorkItem()
	item.User = ""

	require.NoError(t, w.process(context.Background(), item))

	require.Len(t, capability.prompts, 1)
	assert.Contains(t, capability.prompts[0], "A user @unknown has requested")
}

func TestProcessReusesSessionPerIssue(t *testing.T) {
	mockctrl := gomock.NewController(t)

	capability := fakeCapability{events: []agent.Event{{Text: "done", Final: true}}}

	ghClt := mocks.NewMockGithubClient(mockctrl)
	ghClt.EXPECT().
		CreateIssueComment(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil).
		Times(2)

	w, _ := newTestWorker(t, &capability, ghClt)

	require.NoError(t, w.process(context.Background(), testWorkItem()))
	require.NoError(t, w.process(context.Background(), testWorkItem()))

	require.Len(t, capability.sessionIDs, 2)
	assert.Equal(t, capability.sessionIDs[0], capability.sessionIDs[1])
}

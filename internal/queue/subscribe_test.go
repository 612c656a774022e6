package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type recordingHandler struct {
	items []*WorkItem
	err   error
}

func (h *recordingHandler) handle(_ context.Context, item *WorkItem) error {
	h.items = append(h.items, item)
	return h.err
}

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	// the client connects lazily, no broker is needed
	q, err := NewRedisQueue("redis://localhost:6379", "ghagent-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	return q
}

func TestRedisMalformedPayloadIsDropped(t *testing.T) {
	q := newTestRedisQueue(t)
	h := recordingHandler{}

	q.handlePayload(context.Background(), `{"repository": `, h.handle)
	assert.Empty(t, h.items, "handler must not run for undecodable payloads")

	q.handlePayload(context.Background(), `{"repository": "fho/repo", "issue_number": 7, "command": "/agent ping", "user": "fho", "installation_id": null}`, h.handle)
	require.Len(t, h.items, 1, "a following valid payload must still be processed")
	assert.Equal(t, "fho/repo", h.items[0].Repository)
	assert.Equal(t, 7, h.items[0].IssueNumber)
}

func TestRedisHandlerFailureDoesNotPropagate(t *testing.T) {
	q := newTestRedisQueue(t)
	h := recordingHandler{err: errors.New("agent unavailable")}

	q.handlePayload(context.Background(), `{"repository": "fho/repo", "issue_number": 7, "command": "/agent ping"}`, h.handle)
	require.Len(t, h.items, 1)

	h.err = nil
	q.handlePayload(context.Background(), `{"repository": "fho/repo", "issue_number": 8, "command": "/agent ping"}`, h.handle)
	require.Len(t, h.items, 2, "a failing message must not stop further processing")
}

func newTestPubSubQueue(t *testing.T) *PubSubQueue {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	return &PubSubQueue{
		logger:    zap.L().Named("pubsub_queue"),
		closeChan: make(chan struct{}),
	}
}

func TestPubSubMalformedMessageIsAcked(t *testing.T) {
	q := newTestPubSubQueue(t)
	h := recordingHandler{}

	ack := q.handleMessage(context.Background(), []byte("not json"), h.handle)

	assert.True(t, ack, "malformed messages must be acked, not redelivered")
	assert.Empty(t, h.items)
}

func TestPubSubHandlerFailureIsNacked(t *testing.T) {
	q := newTestPubSubQueue(t)
	h := recordingHandler{err: errors.New("agent unavailable")}

	ack := q.handleMessage(
		context.Background(),
		[]byte(`{"repository": "fho/repo", "issue_number": 7, "command": "/agent ping"}`),
		h.handle,
	)

	assert.False(t, ack, "handler failures must be nacked for redelivery")
	require.Len(t, h.items, 1)
}

func TestPubSubHandledMessageIsAcked(t *testing.T) {
	q := newTestPubSubQueue(t)
	h := recordingHandler{}

	ack := q.handleMessage(
		context.Background(),
		[]byte(`{"repository": "fho/repo", "issue_number": 7, "command": "/agent ping", "user": "fho"}`),
		h.handle,
	)

	assert.True(t, ack)
	require.Len(t, h.items, 1)
	assert.Equal(t, "/agent ping", h.items[0].Command)
}

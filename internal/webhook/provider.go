// Package webhook receives GitHub webhook events and turns qualifying issue
// comments into queued work items.
package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v43/github"
	"go.uber.org/zap"

	"github.com/simplesurance/ghagent/internal/logfields"
	"github.com/simplesurance/ghagent/internal/queue"
)

const loggerName = "webhook-provider"

const signatureHeader = "X-Hub-Signature-256"

const (
	statusAccepted = "accepted"
	statusIgnored  = "ignored"

	msgAccepted = "Agent is processing your request"
	msgIgnored  = "Not an agent command"
)

// Provider listens for GitHub webhook HTTP requests, validates their
// signature, extracts agent commands from issue comments and forwards work
// items to a channel.
// The channel is drained into the queue backend by a Publisher, the HTTP
// response is sent without waiting for broker durability.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	c             chan<- *queue.WorkItem
}

type option func(*Provider)

// WithPayloadSecret enables HMAC-SHA256 signature verification of event
// payloads.
// When it is not set or the secret is empty, verification is skipped, this
// is a deliberately permissive default for local development.
func WithPayloadSecret(secret string) option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

func New(itemChan chan<- *queue.WorkItem, opts ...option) *Provider {
	p := Provider{
		c: itemChan,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

// RegisterRoutes registers the HTTP endpoints of the webhook service.
func (p *Provider) RegisterRoutes(router chi.Router) {
	router.Get("/", p.handlerRoot)
	router.Get("/health", p.handlerHealth)
	router.Post("/webhook", p.HTTPHandler)
}

func (p *Provider) handlerRoot(resp http.ResponseWriter, _ *http.Request) {
	writeJSON(p.logger, resp, http.StatusOK, map[string]string{
		"status": "github agent webhook service is running",
	})
}

func (p *Provider) handlerHealth(resp http.ResponseWriter, _ *http.Request) {
	writeJSON(p.logger, resp, http.StatusOK, map[string]string{"status": "healthy"})
}

type eventResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// HTTPHandler processes one webhook delivery.
// Responses: 200 for handled and ignored events, 401 for signature
// failures, 500 for parsing failures, 503 when the work-item channel is
// saturated.
func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	eventType := github.WebHookType(req)

	logger := p.logger.With(
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", eventType),
	)

	payload, err := io.ReadAll(req.Body)
	if err != nil {
		logger.Info(
			"reading webhook request body failed",
			logfields.Event("webhook_body_read_failed"),
			zap.Error(err),
		)
		writeJSON(logger, resp, http.StatusInternalServerError, errorResponse{Detail: err.Error()})
		return
	}

	metrics.receivedEvents.WithLabelValues(eventType).Inc()

	if len(p.webhookSecret) > 0 {
		sig := req.Header.Get(signatureHeader)

		if err := github.ValidateSignature(sig, payload, p.webhookSecret); err != nil {
			logger.Info(
				"received request with missing or invalid signature",
				logfields.Event("webhook_signature_invalid"),
				zap.Error(err),
			)
			metrics.handledEvents.WithLabelValues(resultUnauthorized).Inc()
			writeJSON(logger, resp, http.StatusUnauthorized, errorResponse{Detail: "Invalid signature"})
			return
		}
	}

	if eventType != "issue_comment" {
		logger.Debug(
			"ignoring event, event type is unsupported",
			logfields.Event("webhook_event_ignored"),
		)
		p.respondIgnored(logger, resp)
		return
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		logger.Info(
			"parsing webhook payload failed",
			logfields.Event("webhook_payload_parsing_failed"),
			zap.Error(err),
		)
		metrics.handledEvents.WithLabelValues(resultError).Inc()
		writeJSON(logger, resp, http.StatusInternalServerError, errorResponse{Detail: err.Error()})
		return
	}

	commentEvent, ok := event.(*github.IssueCommentEvent)
	if !ok || commentEvent.GetAction() != "created" {
		p.respondIgnored(logger, resp)
		return
	}

	command := ParseCommand(commentEvent.GetComment().GetBody())
	if command == "" {
		p.respondIgnored(logger, resp)
		return
	}

	item := queue.WorkItem{
		Repository:  commentEvent.GetRepo().GetFullName(),
		IssueNumber: commentEvent.GetIssue().GetNumber(),
		Command:     command,
		User:        commentEvent.GetComment().GetUser().GetLogin(),
	}

	if installation := commentEvent.GetInstallation(); installation != nil {
		id := installation.GetID()
		item.InstallationID = &id
	}

	if err := item.Validate(); err != nil {
		logger.Info(
			"event contains agent command but no valid work item could be build",
			logfields.Event("webhook_workitem_invalid"),
			zap.Error(err),
		)
		metrics.handledEvents.WithLabelValues(resultError).Inc()
		writeJSON(logger, resp, http.StatusInternalServerError, errorResponse{Detail: err.Error()})
		return
	}

	logger = logger.With(item.LogFields()...)

	select {
	case p.c <- &item:
		logger.Info(
			"agent command detected, work item forwarded to publisher",
			logfields.Event("webhook_workitem_forwarded"),
			logfields.Command(command),
		)

		metrics.handledEvents.WithLabelValues(resultAccepted).Inc()
		writeJSON(logger, resp, http.StatusOK, eventResponse{
			Status:  statusAccepted,
			Message: msgAccepted,
		})

	default:
		logger.Warn(
			"work item lost, forwarding to publisher channel would have blocked",
			logfields.Event("webhook_workitem_channel_full"),
		)

		metrics.handledEvents.WithLabelValues(resultOverloaded).Inc()
		writeJSON(logger, resp, http.StatusServiceUnavailable, errorResponse{Detail: "queue full"})
	}
}

func (p *Provider) respondIgnored(logger *zap.Logger, resp http.ResponseWriter) {
	metrics.handledEvents.WithLabelValues(resultIgnored).Inc()
	writeJSON(logger, resp, http.StatusOK, eventResponse{
		Status:  statusIgnored,
		Message: msgIgnored,
	})
}

func writeJSON(logger *zap.Logger, resp http.ResponseWriter, status int, body interface{}) {
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(status)

	if err := json.NewEncoder(resp).Encode(body); err != nil {
		logger.Info("sending http response failed", zap.Error(err))
	}
}

package agenttools

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/simplesurance/ghagent/internal/logfields"
)

// agentIDHeader carries the identity the permission check runs against.
const agentIDHeader = "X-Agent-ID"

// defaultAgentID is assumed when the header is missing.
const defaultAgentID = "ghagent"

// HTTPService serves the tool registry over HTTP.
type HTTPService struct {
	registry *Registry
	logger   *zap.Logger
}

func NewHTTPService(registry *Registry) *HTTPService {
	return &HTTPService{
		registry: registry,
		logger:   zap.L().Named("toolservice"),
	}
}

// RegisterRoutes registers the tool endpoints on the router.
func (s *HTTPService) RegisterRoutes(r chi.Router) {
	r.Get("/", s.rootHandler)
	r.Get("/health", s.healthHandler)
	r.Post("/v1/tools/{name}", s.toolCallHandler)
}

func (s *HTTPService) rootHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "github agent tool service is running",
		"tools":  s.registry.ToolNames(),
	})
}

func (s *HTTPService) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *HTTPService) toolCallHandler(w http.ResponseWriter, req *http.Request) {
	toolName := chi.URLParam(req, "name")

	agentID := req.Header.Get(agentIDHeader)
	if agentID == "" {
		agentID = defaultAgentID
	}

	logger := s.logger.With(
		logfields.Tool(toolName),
		zap.String("agent_id", agentID),
	)

	params, err := io.ReadAll(req.Body)
	if err != nil {
		logger.Info(
			"reading request body failed",
			logfields.Event("toolcall_body_read_failed"),
			zap.Error(err),
		)
		s.writeError(w, toolName, resultError, http.StatusBadRequest, "reading request body failed")

		return
	}

	result, err := s.registry.Dispatch(req.Context(), agentID, toolName, params)
	if err != nil {
		s.writeDispatchError(w, logger, toolName, err)

		return
	}

	metrics.toolCalls.WithLabelValues(toolName, resultSuccess).Inc()
	logger.Debug("tool call succeeded", logfields.Event("toolcall_succeeded"))

	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *HTTPService) writeDispatchError(w http.ResponseWriter, logger *zap.Logger, toolName string, err error) {
	var permErr *PermissionError
	var paramsErr *ParamsError

	switch {
	case errors.Is(err, ErrUnknownTool):
		logger.Info("unknown tool requested", logfields.Event("toolcall_unknown_tool"))
		s.writeError(w, toolName, resultUnknownTool, http.StatusNotFound, err.Error())

	case errors.As(err, &permErr):
		logger.Info(
			"tool call denied",
			logfields.Event("toolcall_denied"),
			zap.String("agent_role", string(permErr.Role)),
		)
		s.writeError(w, toolName, resultDenied, http.StatusForbidden, err.Error())

	case errors.As(err, &paramsErr):
		logger.Info(
			"tool call has invalid parameters",
			logfields.Event("toolcall_invalid_params"),
			zap.Error(err),
		)
		s.writeError(w, toolName, resultBadParams, http.StatusBadRequest, err.Error())

	default:
		logger.Error(
			"tool call failed",
			logfields.Event("toolcall_failed"),
			zap.Error(err),
		)
		s.writeError(w, toolName, resultError, http.StatusBadGateway, err.Error())
	}
}

func (s *HTTPService) writeError(w http.ResponseWriter, toolName, result string, code int, detail string) {
	metrics.toolCalls.WithLabelValues(toolName, result).Inc()
	writeJSON(w, code, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

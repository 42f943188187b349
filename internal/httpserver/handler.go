package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

// Identity headers set by the authenticating proxy.
const (
	HeaderUserID         = "X-User-Id"
	HeaderTeamID         = "X-Team-Id"
	HeaderOrganizationID = "X-Organization-Id"
	HeaderUserRole       = "X-User-Role"
	HeaderConversationID = "X-Conversation-Id"

	responseFormatJSON = "json"
	maxBodyBytes       = 4 << 20
)

// Handler handles HTTP requests.
type Handler struct {
	completions *domain.CompletionService
	retrieval   *domain.RetrievalService
	now         func() time.Time
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(completions *domain.CompletionService, retrieval *domain.RetrievalService) *Handler {
	return &Handler{
		completions: completions,
		retrieval:   retrieval,
		now:         time.Now,
	}
}

type chatRequest struct {
	Vendor         domain.Vendor    `json:"vendor,omitempty"`
	Model          string           `json:"model"`
	Messages       []domain.Message `json:"messages"`
	SystemPrompt   string           `json:"systemPrompt,omitempty"`
	MaxTokens      int              `json:"maxTokens,omitempty"`
	Temperature    float64          `json:"temperature,omitempty"`
	SessionContext string           `json:"sessionContext,omitempty"`
	RetrievalScope string           `json:"retrievalScope,omitempty"`
	ResponseFormat string           `json:"responseFormat,omitempty"`
}

type completionResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Vendor  domain.Vendor   `json:"vendor"`
	Content string          `json:"content"`
	Usage   domain.Usage    `json:"usage"`
	Cost    float64         `json:"cost,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type indexRequest struct {
	SourceType string            `json:"sourceType"`
	SourceID   string            `json:"sourceId"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type searchRequest struct {
	Query     string  `json:"query"`
	Threshold float64 `json:"threshold,omitempty"`
	TopK      int     `json:"topK,omitempty"`
	Scope     string  `json:"scope,omitempty"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Embedded *int   `json:"embedded,omitempty"`
	Total    *int   `json:"total,omitempty"`
}

// HandleChatStream answers a chat turn as server-sent events.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	ctx, turn, ok := h.decodeTurn(w, r)
	if !ok {
		return
	}

	ctx = observability.WithModel(ctx, turn.Request.Model)
	logger := observability.FromContext(ctx)
	logger.Info("stream request received", observability.Int("messages", len(turn.Request.Messages)))

	events, err := h.completions.Stream(ctx, turn.ChatTurn)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Streams outlive the server-wide write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Warn("failed to clear write deadline", observability.Error(err))
	}
	w.WriteHeader(http.StatusOK)

	for ev := range events {
		name, payload := ssePayload(ev)
		if err := writeSSE(w, name, payload); err != nil {
			logger.Warn("failed to write stream event", observability.Error(err))
			continue
		}
		if err := rc.Flush(); err != nil {
			logger.Warn("failed to flush stream event", observability.Error(err))
		}
	}

	logger.Info("stream request finished")
}

// HandleChatCompletion answers a chat turn with one JSON document.
func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx, turn, ok := h.decodeTurn(w, r)
	if !ok {
		return
	}

	ctx = observability.WithModel(ctx, turn.Request.Model)

	var (
		response *domain.CompletionResponse
		data     json.RawMessage
		err      error
	)
	if turn.format == responseFormatJSON {
		response, err = h.completions.CompleteStructured(ctx, turn.ChatTurn, &data)
	} else {
		response, err = h.completions.Complete(ctx, turn.ChatTurn)
	}
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, completionResponse{
		ID:      response.ID,
		Model:   response.Model,
		Vendor:  response.Vendor,
		Content: response.Content,
		Usage:   response.Usage,
		Cost:    response.Cost,
		Data:    data,
	})
}

// HandleIndex chunks, embeds and stores a knowledge source.
func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	ctx, identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req indexRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if metadata[domain.MetadataScope] == "" && identity.OrganizationID != "" {
		metadata[domain.MetadataScope] = identity.OrganizationID
	}

	source := domain.SourceRef{Type: req.SourceType, ID: req.SourceID}
	result, err := h.retrieval.Index(ctx, source, req.Text, metadata)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, result)
}

// HandleSearch ranks indexed chunks for a query.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req searchRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "query is required"})
		return
	}

	scope := req.Scope
	if scope == "" {
		scope = identity.OrganizationID
	}

	results := h.retrieval.Search(ctx, req.Query, domain.SearchOptions{
		Threshold: req.Threshold,
		TopK:      req.TopK,
		Scope:     scope,
	})
	if results == nil {
		results = []domain.RetrievedSnippet{}
	}

	writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"results": results})
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"retrieval": h.retrieval.Enabled(),
	})
}

type decodedTurn struct {
	*domain.ChatTurn
	format string
}

func (h *Handler) decodeTurn(w http.ResponseWriter, r *http.Request) (context.Context, decodedTurn, bool) {
	ctx, identity, ok := requireIdentity(w, r)
	if !ok {
		return ctx, decodedTurn{}, false
	}

	var req chatRequest
	if !decodeBody(ctx, w, r, &req) {
		return ctx, decodedTurn{}, false
	}
	if req.Model == "" {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "model is required"})
		return ctx, decodedTurn{}, false
	}
	if req.ResponseFormat != "" && req.ResponseFormat != responseFormatJSON && req.ResponseFormat != "text" {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "responseFormat must be text or json"})
		return ctx, decodedTurn{}, false
	}

	scope := req.RetrievalScope
	if scope == "" {
		scope = identity.OrganizationID
	}

	return ctx, decodedTurn{
		ChatTurn: &domain.ChatTurn{
			Identity:       identity,
			ConversationID: r.Header.Get(HeaderConversationID),
			Request: &domain.CompletionRequest{
				Vendor:       req.Vendor,
				Model:        req.Model,
				Messages:     req.Messages,
				SystemPrompt: req.SystemPrompt,
				MaxTokens:    req.MaxTokens,
				Temperature:  req.Temperature,
			},
			SessionContext: req.SessionContext,
			RetrievalScope: scope,
		},
		format: req.ResponseFormat,
	}, true
}

// writeError maps domain failures to status codes. Vendor details never
// reach the client.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := observability.FromContext(ctx)

	var (
		quotaErr  *domain.QuotaExceededError
		indexErr  *domain.ChunkIndexError
		malformed *domain.MalformedOutputError
	)
	switch {
	case errors.As(err, &quotaErr):
		logger.Info("request denied by quota", observability.String("scope", quotaErr.Scope.String()))
		w.Header().Set("Retry-After", strconv.Itoa(secondsUntilReset(h.now())))
		writeJSON(ctx, w, http.StatusTooManyRequests, errorResponse{
			Error: fmt.Sprintf("daily %s token quota exceeded, try again later", quotaErr.Scope.Scope),
		})
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrProviderNotFound):
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &indexErr):
		logger.Error("indexing failed", observability.Error(err))
		embedded, total := indexErr.Embedded, indexErr.Total
		writeJSON(ctx, w, http.StatusBadGateway, errorResponse{
			Error:    "indexing aborted, embedding service failed",
			Embedded: &embedded,
			Total:    &total,
		})
	case errors.Is(err, domain.ErrGenerationFailed), errors.As(err, &malformed):
		logger.Error("generation failed", observability.Error(err))
		writeJSON(ctx, w, http.StatusBadGateway, errorResponse{Error: domain.ErrGenerationFailed.Error()})
	case errors.Is(err, domain.ErrRetrievalUnavailable):
		writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "retrieval is not configured"})
	default:
		logger.Error("request failed", observability.Error(err))
		writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// requireIdentity reads the caller from the identity headers and returns a
// context carrying the user and conversation log fields.
func requireIdentity(w http.ResponseWriter, r *http.Request) (context.Context, domain.Identity, bool) {
	ctx := r.Context()
	identity := domain.Identity{
		UserID:         strings.TrimSpace(r.Header.Get(HeaderUserID)),
		TeamID:         strings.TrimSpace(r.Header.Get(HeaderTeamID)),
		OrganizationID: strings.TrimSpace(r.Header.Get(HeaderOrganizationID)),
		Role:           strings.TrimSpace(r.Header.Get(HeaderUserRole)),
	}
	if identity.UserID == "" {
		writeJSON(ctx, w, http.StatusUnauthorized, errorResponse{Error: "missing " + HeaderUserID + " header"})
		return ctx, domain.Identity{}, false
	}

	ctx = observability.WithUserID(ctx, identity.UserID)
	if conversationID := r.Header.Get(HeaderConversationID); conversationID != "" {
		ctx = observability.WithConversationID(ctx, conversationID)
	}
	return ctx, identity, true
}

func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		observability.FromContext(ctx).Error("failed to encode response", observability.Error(err))
	}
}

// usageFrame is the wire shape of the done event; provenance stays server side.
type usageFrame struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

func ssePayload(ev domain.StreamEvent) (string, any) {
	switch ev.Kind {
	case domain.EventToken:
		return string(domain.EventToken), map[string]string{"token": ev.Token}
	case domain.EventDone:
		var usage usageFrame
		if ev.Usage != nil {
			usage = usageFrame{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
		}
		return string(domain.EventDone), map[string]usageFrame{"usage": usage}
	default:
		message := domain.ErrGenerationFailed.Error()
		if ev.Err != nil && errors.Is(ev.Err, domain.ErrGenerationFailed) {
			message = ev.Err.Error()
		}
		return string(domain.EventError), map[string]string{"message": message}
	}
}

func writeSSE(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// secondsUntilReset is the wait until the next UTC day key.
func secondsUntilReset(now time.Time) int {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return int(midnight.Sub(now).Seconds()) + 1
}

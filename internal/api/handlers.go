package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/comigor/floatchat-go/internal/chat"
	"github.com/comigor/floatchat-go/internal/logger"
	"github.com/comigor/floatchat-go/internal/prediction"
	"github.com/comigor/floatchat-go/internal/store"
)

// ChatService is the conversation surface the handlers drive.
type ChatService interface {
	CreateConversation(ctx context.Context, userID, title string, mode store.Mode, role store.Role) (*store.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]store.Conversation, error)
	Conversation(ctx context.Context, userID, id string) (*chat.ConversationDetail, error)
	UpdateSettings(ctx context.Context, userID, id string, s chat.Settings) (*store.Conversation, error)
	Turn(ctx context.Context, req chat.TurnRequest, w http.ResponseWriter) error
}

type Predictor interface {
	Predict(ctx context.Context, userID string, raw prediction.RawRequest) (*prediction.Result, error)
}

type Handler struct {
	chat        ChatService
	predictions Predictor
}

func NewHandler(c ChatService, p Predictor) *Handler {
	return &Handler{chat: c, predictions: p}
}

type CreateConversationRequest struct {
	Title string     `json:"title"`
	Mode  store.Mode `json:"mode"`
	Role  store.Role `json:"role"`
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if r.Body != http.NoBody {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	c, err := h.chat.CreateConversation(r.Context(), userID(r.Context()), req.Title, req.Mode, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chat.ListConversations(r.Context(), userID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	detail, err := h.chat.Conversation(r.Context(), userID(r.Context()), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type UpdateConversationRequest struct {
	Mode *store.Mode `json:"mode"`
	Role *store.Role `json:"role"`
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	var req UpdateConversationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	c, err := h.chat.UpdateSettings(r.Context(), userID(r.Context()), chi.URLParam(r, "conversationID"),
		chat.Settings{Mode: req.Mode, Role: req.Role})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type PostMessageRequest struct {
	Content string     `json:"content"`
	Mode    store.Mode `json:"mode,omitempty"`
}

// PostMessage answers with an event stream. Failures before the stream opens are plain JSON
// errors; later failures arrive as the stream's error event.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	err := h.chat.Turn(r.Context(), chat.TurnRequest{
		ConversationID: chi.URLParam(r, "conversationID"),
		UserID:         userID(r.Context()),
		Content:        req.Content,
		Mode:           req.Mode,
	}, w)
	if err != nil {
		writeError(w, err)
	}
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var raw prediction.RawRequest
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, &prediction.Error{Status: http.StatusBadRequest, Message: "invalid request body", Detail: err.Error(), Err: err})
		return
	}

	res, err := h.predictions.Predict(r.Context(), userID(r.Context()), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.L.Info("prediction served", "variable", res.Input.Variable, "horizon", res.Input.Horizon, "points", len(res.Predictions))
	writeJSON(w, http.StatusOK, res)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

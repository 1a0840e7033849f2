package handlers

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/SHAIK14/Finsight-AI/session"
	"github.com/SHAIK14/Finsight-AI/types"
)

// =============================================================================
// 💬 会话接口 Handler
// =============================================================================

// SessionHandler 会话 CRUD 处理器。所有操作都限定在调用者自己的会话内，
// 他人的会话一律按不存在处理。
type SessionHandler struct {
	store  *session.Store
	logger *zap.Logger
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(store *session.Store, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		store:  store,
		logger: logger.With(zap.String("component", "session_handler")),
	}
}

// SessionSummary 会话列表项
type SessionSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// HandleList GET /api/v1/sessions — 列出调用者的会话，最近活跃在前
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	identity, idErr := CallerIdentity(r)
	if idErr != nil {
		WriteError(w, idErr, h.logger)
		return
	}

	sessions, err := h.store.List(r.Context(), identity.UserID)
	if err != nil {
		WriteError(w, types.NewError(types.ErrSessionStore, "failed to list sessions").WithCause(err), h.logger)
		return
	}

	out := make([]SessionSummary, len(sessions))
	for i, s := range sessions {
		out[i] = SessionSummary{
			ID:        s.ID,
			Title:     s.Title,
			CreatedAt: s.CreatedAt.Format(time.RFC3339),
			UpdatedAt: s.UpdatedAt.Format(time.RFC3339),
		}
	}
	WriteSuccess(w, out)
}

// HandleGet GET /api/v1/sessions/{id} — 返回会话及完整消息记录
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	identity, idErr := CallerIdentity(r)
	if idErr != nil {
		WriteError(w, idErr, h.logger)
		return
	}

	sess, ok := h.ownedSession(w, r, identity)
	if !ok {
		return
	}
	WriteSuccess(w, sess)
}

// HandleDelete DELETE /api/v1/sessions/{id}
func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	identity, idErr := CallerIdentity(r)
	if idErr != nil {
		WriteError(w, idErr, h.logger)
		return
	}

	sess, ok := h.ownedSession(w, r, identity)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), sess.ID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			h.writeNotFound(w)
			return
		}
		WriteError(w, types.NewError(types.ErrSessionStore, "failed to delete session").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"deleted": sess.ID})
}

// HandleMessages GET /api/v1/sessions/{id}/messages — 按时间顺序返回消息
func (h *SessionHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	identity, idErr := CallerIdentity(r)
	if idErr != nil {
		WriteError(w, idErr, h.logger)
		return
	}

	sess, ok := h.ownedSession(w, r, identity)
	if !ok {
		return
	}
	WriteSuccess(w, sess.Messages)
}

// ownedSession 加载路径里的会话并校验归属；失败时已写出响应。
func (h *SessionHandler) ownedSession(w http.ResponseWriter, r *http.Request, identity Identity) (*session.ChatSession, bool) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "missing session id"), h.logger)
		return nil, false
	}

	sess, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			h.writeNotFound(w)
			return nil, false
		}
		WriteError(w, types.NewError(types.ErrSessionStore, "failed to load session").WithCause(err), h.logger)
		return nil, false
	}

	// 不泄露他人会话的存在性
	if sess.UserID != identity.UserID {
		h.writeNotFound(w)
		return nil, false
	}
	return sess, true
}

func (h *SessionHandler) writeNotFound(w http.ResponseWriter) {
	WriteJSON(w, http.StatusNotFound, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: "SESSION_NOT_FOUND", Message: "session not found"},
		Timestamp: time.Now(),
	})
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/SHAIK14/Finsight-AI/session"
	"github.com/SHAIK14/Finsight-AI/types"
)

func newSessionHandler(t *testing.T) (*SessionHandler, *session.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	store, err := session.NewStore(db, zaptest.NewLogger(t))
	require.NoError(t, err)
	return NewSessionHandler(store, zaptest.NewLogger(t)), store
}

func seedSession(t *testing.T, store *session.Store, userID string) string {
	t.Helper()
	id, _, err := store.EnsureSession(context.Background(), "", userID)
	require.NoError(t, err)
	require.NoError(t, store.AppendTurn(context.Background(), id, types.Turn{
		Role:    types.RoleUser,
		Content: "What was Q3 revenue?",
	}))
	return id
}

func sessionRequest(method, target, userID, pathID string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("X-User-ID", userID)
	if pathID != "" {
		req.SetPathValue("id", pathID)
	}
	return req
}

func TestSessionHandler_List(t *testing.T) {
	h, store := newSessionHandler(t)
	id := seedSession(t, store, "user-1")
	seedSession(t, store, "other-user")

	rec := httptest.NewRecorder()
	h.HandleList(rec, sessionRequest(http.MethodGet, "/api/v1/sessions", "user-1", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool             `json:"success"`
		Data    []SessionSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, id, resp.Data[0].ID)
	assert.Equal(t, "What was Q3 revenue?", resp.Data[0].Title)
}

func TestSessionHandler_GetWithMessages(t *testing.T) {
	h, store := newSessionHandler(t)
	id := seedSession(t, store, "user-1")

	rec := httptest.NewRecorder()
	h.HandleGet(rec, sessionRequest(http.MethodGet, "/api/v1/sessions/"+id, "user-1", id))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data session.ChatSession `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.Data.ID)
	require.Len(t, resp.Data.Messages, 1)
	assert.Equal(t, "user", resp.Data.Messages[0].Role)
}

func TestSessionHandler_OtherUsersSessionIsNotFound(t *testing.T) {
	h, store := newSessionHandler(t)
	id := seedSession(t, store, "other-user")

	rec := httptest.NewRecorder()
	h.HandleGet(rec, sessionRequest(http.MethodGet, "/api/v1/sessions/"+id, "user-1", id))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// 同样不能删除他人的会话
	rec = httptest.NewRecorder()
	h.HandleDelete(rec, sessionRequest(http.MethodDelete, "/api/v1/sessions/"+id, "user-1", id))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := store.Get(context.Background(), id)
	assert.NoError(t, err)
}

func TestSessionHandler_Delete(t *testing.T) {
	h, store := newSessionHandler(t)
	id := seedSession(t, store, "user-1")

	rec := httptest.NewRecorder()
	h.HandleDelete(rec, sessionRequest(http.MethodDelete, "/api/v1/sessions/"+id, "user-1", id))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := store.Get(context.Background(), id)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSessionHandler_Messages(t *testing.T) {
	h, store := newSessionHandler(t)
	id := seedSession(t, store, "user-1")
	require.NoError(t, store.AppendTurn(context.Background(), id, types.Turn{
		Role:    types.RoleAssistant,
		Content: "Revenue was ₹718 crore.",
	}))

	rec := httptest.NewRecorder()
	h.HandleMessages(rec, sessionRequest(http.MethodGet, "/api/v1/sessions/"+id+"/messages", "user-1", id))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []session.ChatMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "user", resp.Data[0].Role)
	assert.Equal(t, "assistant", resp.Data[1].Role)
}

func TestSessionHandler_MissingIdentity(t *testing.T) {
	h, _ := newSessionHandler(t)

	rec := httptest.NewRecorder()
	h.HandleList(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

package rest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/driftchat/server/chat"
	"github.com/driftchat/server/config"
	"github.com/driftchat/server/friends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// seedConversation makes alice and bob friends and stores their
// messages through the chat service, mirroring the WS send path.
func seedConversation(t *testing.T, e *env, aliceID, bobID int64, contents ...string) {
	t.Helper()
	logger := zap.NewNop()
	fs := friends.NewService(e.db, logger)
	svc := chat.NewService(e.db, e.cache, e.hub, fs, config.ChatConfig{
		MaxMessageLen:   2000,
		HistoryLimit:    200,
		RecentCacheSize: 50,
	}, logger)
	for _, content := range contents {
		_, err := svc.Send(context.Background(), aliceID, "alice", bobID, content, "seed")
		require.NoError(t, err)
	}
}

func befriend(t *testing.T, e *env, aliceTok, bobTok string) {
	t.Helper()
	reqID := e.sendRequest(t, aliceTok, "bob")
	w := putJSON(e.router, fmt.Sprintf("/api/friends/accept/%d", reqID), nil, bearer(bobTok)...)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHistory_ReturnsConversation(t *testing.T) {
	e := newEnv(t)
	aliceTok, aliceID := e.login(t, "alice")
	bobTok, bobID := e.login(t, "bob")
	befriend(t, e, aliceTok, bobTok)
	seedConversation(t, e, aliceID, bobID, "first", "second")

	w := getJSON(e.router, fmt.Sprintf("/api/messages/%d", bobID), bearer(aliceTok)...)
	require.Equal(t, http.StatusOK, w.Code)

	var msgs []struct {
		ID        int64  `json:"id"`
		SenderID  int64  `json:"senderId"`
		Content   string `json:"content"`
		Timestamp time.Time `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, aliceID, msgs[0].SenderID)

	// The same thread from bob's side.
	wBob := getJSON(e.router, fmt.Sprintf("/api/messages/%d", aliceID), bearer(bobTok)...)
	require.Equal(t, http.StatusOK, wBob.Code)
	var bobMsgs []json.RawMessage
	require.NoError(t, json.Unmarshal(wBob.Body.Bytes(), &bobMsgs))
	assert.Len(t, bobMsgs, 2)
}

func TestHistory_EmptyIsBareArray(t *testing.T) {
	e := newEnv(t)
	aliceTok, _ := e.login(t, "alice")
	_, bobID := e.login(t, "bob")

	w := getJSON(e.router, fmt.Sprintf("/api/messages/%d", bobID), bearer(aliceTok)...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHistory_LimitParam(t *testing.T) {
	e := newEnv(t)
	aliceTok, aliceID := e.login(t, "alice")
	bobTok, bobID := e.login(t, "bob")
	befriend(t, e, aliceTok, bobTok)
	seedConversation(t, e, aliceID, bobID, "1", "2", "3", "4", "5")

	w := getJSON(e.router, fmt.Sprintf("/api/messages/%d?limit=3", bobID), bearer(aliceTok)...)
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	assert.Len(t, msgs, 3)
}

func TestHistory_InvalidParams(t *testing.T) {
	e := newEnv(t)
	tok, _ := e.login(t, "alice")

	assert.Equal(t, http.StatusBadRequest, getJSON(e.router, "/api/messages/abc", bearer(tok)...).Code)
	assert.Equal(t, http.StatusBadRequest, getJSON(e.router, "/api/messages/1?limit=x", bearer(tok)...).Code)
}

func TestRecentConversations(t *testing.T) {
	e := newEnv(t)
	aliceTok, aliceID := e.login(t, "alice")
	bobTok, bobID := e.login(t, "bob")
	befriend(t, e, aliceTok, bobTok)
	seedConversation(t, e, aliceID, bobID, "hello")

	w := getJSON(e.router, "/api/conversations", bearer(aliceTok)...)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		FriendIDs []int64 `json:"friendIds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []int64{bobID}, resp.FriendIDs)
}

package rest_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/driftchat/server/api/rest"
	"github.com/driftchat/server/cache"
	"github.com/driftchat/server/chat"
	"github.com/driftchat/server/config"
	"github.com/driftchat/server/friends"
	"github.com/driftchat/server/gateway"
	mw "github.com/driftchat/server/middleware"
	"github.com/driftchat/server/model"
	"github.com/driftchat/server/presence"
	"github.com/driftchat/server/testutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type env struct {
	router *gin.Engine
	db     *gorm.DB
	cache  cache.Cache
	hub    *gateway.Hub
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	logger := zap.NewNop()
	sec := config.SecurityConfig{JWTSecret: "test-secret", JWTTTLH: 72 * time.Hour}
	hub := gateway.NewHub(presence.NewRegistry(), nil, logger)

	friendsSvc := friends.NewService(db, logger)
	chatSvc := chat.NewService(db, c, hub, friendsSvc, config.ChatConfig{
		MaxMessageLen:   2000,
		HistoryLimit:    200,
		RecentCacheSize: 50,
	}, logger)

	authH := rest.NewAuthHandler(db, c, sec)
	friendsH := rest.NewFriendsHandler(friendsSvc, hub, nil, logger)
	messagesH := rest.NewMessagesHandler(chatSvc, logger)

	r := gin.New()
	r.POST("/api/auth/login", authH.Login)
	auth := r.Group("/api", mw.Auth(sec, c))
	{
		auth.GET("/friends", friendsH.ListFriends)
		auth.DELETE("/friends/:id", friendsH.RemoveFriend)
		auth.POST("/friends/add", friendsH.SendRequest)
		auth.GET("/friends/requests", friendsH.ListRequests)
		auth.PUT("/friends/accept/:id", friendsH.Accept)
		auth.PUT("/friends/reject/:id", friendsH.Reject)
		auth.GET("/messages/:friendId", messagesH.History)
		auth.GET("/conversations", messagesH.RecentConversations)
	}
	return &env{router: r, db: db, cache: c, hub: hub}
}

// login auto-registers a user and returns its bearer token and ID.
func (e *env) login(t *testing.T, username string) (token string, userID int64) {
	t.Helper()
	w := postJSON(e.router, "/api/auth/login", map[string]string{
		"username": username,
		"password": "pass1234",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Token  string `json:"token"`
		UserID int64  `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token, resp.UserID
}

func bearer(token string) []string {
	return []string{"Authorization", "Bearer " + token}
}

func (e *env) sendRequest(t *testing.T, token, toUsername string) int64 {
	t.Helper()
	w := postJSON(e.router, "/api/friends/add", map[string]string{"username": toUsername}, bearer(token)...)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.ID
}

func TestSendFriendRequest(t *testing.T) {
	e := newEnv(t)
	aliceTok, aliceID := e.login(t, "alice")
	e.login(t, "bob")

	w := postJSON(e.router, "/api/friends/add", map[string]string{"username": "bob"}, bearer(aliceTok)...)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ID             int64  `json:"id"`
		SenderID       int64  `json:"fromId"`
		SenderUsername string `json:"fromUsername"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotZero(t, resp.ID)
	assert.Equal(t, aliceID, resp.SenderID)
	assert.Equal(t, "alice", resp.SenderUsername)
}

func TestSendFriendRequest_PushedToRecipient(t *testing.T) {
	e := newEnv(t)
	aliceTok, _ := e.login(t, "alice")
	_, bobID := e.login(t, "bob")

	bobConn := gateway.NewDetachedSession("b1", bobID, "bob")
	e.hub.Register(bobConn)
	drainDetached(bobConn)

	e.sendRequest(t, aliceTok, "bob")

	pkts := drainDetached(bobConn)
	require.Len(t, pkts, 1)
	assert.Equal(t, "friendRequest", pkts[0].Type)
	var payload struct {
		SenderUsername string `json:"fromUsername"`
	}
	require.NoError(t, json.Unmarshal(pkts[0].Payload, &payload))
	assert.Equal(t, "alice", payload.SenderUsername)
}

func TestSendFriendRequest_Errors(t *testing.T) {
	e := newEnv(t)
	aliceTok, _ := e.login(t, "alice")
	e.login(t, "bob")

	// Unknown recipient.
	w := postJSON(e.router, "/api/friends/add", map[string]string{"username": "ghost"}, bearer(aliceTok)...)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Self request.
	w = postJSON(e.router, "/api/friends/add", map[string]string{"username": "alice"}, bearer(aliceTok)...)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Duplicate.
	e.sendRequest(t, aliceTok, "bob")
	w = postJSON(e.router, "/api/friends/add", map[string]string{"username": "bob"}, bearer(aliceTok)...)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListRequests_EmptyIsBareArray(t *testing.T) {
	e := newEnv(t)
	tok, _ := e.login(t, "alice")

	w := getJSON(e.router, "/api/friends/requests", bearer(tok)...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestAcceptFlow(t *testing.T) {
	e := newEnv(t)
	aliceTok, aliceID := e.login(t, "alice")
	bobTok, _ := e.login(t, "bob")

	reqID := e.sendRequest(t, aliceTok, "bob")

	// Sender is notified over WS when the request resolves.
	aliceConn := gateway.NewDetachedSession("a1", aliceID, "alice")
	e.hub.Register(aliceConn)
	drainDetached(aliceConn)

	w := putJSON(e.router, fmt.Sprintf("/api/friends/accept/%d", reqID), nil, bearer(bobTok)...)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		RequestID int64 `json:"requestId"`
		Accepted  bool  `json:"accepted"`
		Friend    struct {
			Username string `json:"username"`
		} `json:"friend"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, reqID, resp.RequestID)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "alice", resp.Friend.Username)

	pkts := drainDetached(aliceConn)
	require.Len(t, pkts, 1)
	assert.Equal(t, "friendRequestResponse", pkts[0].Type)
	var notify struct {
		RequestID int64 `json:"requestId"`
		Accepted  bool  `json:"accepted"`
		Friend    struct {
			Username string `json:"username"`
		} `json:"friend"`
	}
	require.NoError(t, json.Unmarshal(pkts[0].Payload, &notify))
	assert.True(t, notify.Accepted)
	assert.Equal(t, "bob", notify.Friend.Username)

	// Both see each other in GET /api/friends.
	w = getJSON(e.router, "/api/friends", bearer(aliceTok)...)
	require.Equal(t, http.StatusOK, w.Code)
	var aliceFriends []struct {
		Username string `json:"username"`
		Online   bool   `json:"online"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &aliceFriends))
	require.Len(t, aliceFriends, 1)
	assert.Equal(t, "bob", aliceFriends[0].Username)
}

func TestSendFriendRequest_CrossingDirectionsConflict(t *testing.T) {
	e := newEnv(t)
	aliceTok, _ := e.login(t, "alice")
	bobTok, _ := e.login(t, "bob")

	e.sendRequest(t, aliceTok, "bob")

	// Bob answering with his own request collides with the pending one.
	w := postJSON(e.router, "/api/friends/add", map[string]string{"username": "alice"}, bearer(bobTok)...)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAccept_StaleCrossingRequest(t *testing.T) {
	e := newEnv(t)
	aliceTok, aliceID := e.login(t, "alice")
	bobTok, bobID := e.login(t, "bob")

	// Crossing requests as left behind by two racing sends.
	ab := &model.FriendRequest{SenderID: aliceID, RecipientID: bobID, Status: model.RequestPending}
	ba := &model.FriendRequest{SenderID: bobID, RecipientID: aliceID, Status: model.RequestPending}
	require.NoError(t, e.db.Create(ab).Error)
	require.NoError(t, e.db.Create(ba).Error)

	w := putJSON(e.router, fmt.Sprintf("/api/friends/accept/%d", ab.ID), nil, bearer(bobTok)...)
	require.Equal(t, http.StatusOK, w.Code)

	// The stale reverse request resolves to a clean conflict, not a 500.
	w = putJSON(e.router, fmt.Sprintf("/api/friends/accept/%d", ba.ID), nil, bearer(aliceTok)...)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// It is consumed rather than left pending.
	w = getJSON(e.router, "/api/friends/requests", bearer(aliceTok)...)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestAccept_NotFound(t *testing.T) {
	e := newEnv(t)
	tok, _ := e.login(t, "alice")
	w := putJSON(e.router, "/api/friends/accept/999", nil, bearer(tok)...)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRejectFlow(t *testing.T) {
	e := newEnv(t)
	aliceTok, aliceID := e.login(t, "alice")
	bobTok, _ := e.login(t, "bob")

	reqID := e.sendRequest(t, aliceTok, "bob")

	aliceConn := gateway.NewDetachedSession("a1", aliceID, "alice")
	e.hub.Register(aliceConn)
	drainDetached(aliceConn)

	w := putJSON(e.router, fmt.Sprintf("/api/friends/reject/%d", reqID), nil, bearer(bobTok)...)
	require.Equal(t, http.StatusOK, w.Code)

	pkts := drainDetached(aliceConn)
	require.Len(t, pkts, 1)
	assert.Equal(t, "friendRequestResponse", pkts[0].Type)
	var notify struct {
		Accepted bool            `json:"accepted"`
		Friend   json.RawMessage `json:"friend"`
	}
	require.NoError(t, json.Unmarshal(pkts[0].Payload, &notify))
	assert.False(t, notify.Accepted)
	assert.Empty(t, notify.Friend)

	// No friendship resulted.
	w = getJSON(e.router, "/api/friends", bearer(aliceTok)...)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestListFriends_OnlineFlag(t *testing.T) {
	e := newEnv(t)
	aliceTok, _ := e.login(t, "alice")
	bobTok, bobID := e.login(t, "bob")

	reqID := e.sendRequest(t, aliceTok, "bob")
	w := putJSON(e.router, fmt.Sprintf("/api/friends/accept/%d", reqID), nil, bearer(bobTok)...)
	require.Equal(t, http.StatusOK, w.Code)

	// Bob offline.
	w = getJSON(e.router, "/api/friends", bearer(aliceTok)...)
	var list []struct {
		ID     int64 `json:"id"`
		Online bool  `json:"online"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.False(t, list[0].Online)

	// Bob connects.
	bobConn := gateway.NewDetachedSession("b1", bobID, "bob")
	e.hub.Register(bobConn)

	w = getJSON(e.router, "/api/friends", bearer(aliceTok)...)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].Online)
}

func TestRemoveFriend(t *testing.T) {
	e := newEnv(t)
	aliceTok, _ := e.login(t, "alice")
	bobTok, bobID := e.login(t, "bob")

	reqID := e.sendRequest(t, aliceTok, "bob")
	w := putJSON(e.router, fmt.Sprintf("/api/friends/accept/%d", reqID), nil, bearer(bobTok)...)
	require.Equal(t, http.StatusOK, w.Code)

	w = deleteJSON(e.router, fmt.Sprintf("/api/friends/%d", bobID), bearer(aliceTok)...)
	require.Equal(t, http.StatusOK, w.Code)

	// Gone for both sides.
	w = getJSON(e.router, "/api/friends", bearer(aliceTok)...)
	assert.JSONEq(t, `[]`, w.Body.String())
	w = getJSON(e.router, "/api/friends", bearer(bobTok)...)
	assert.JSONEq(t, `[]`, w.Body.String())

	// Removing again is a 404.
	w = deleteJSON(e.router, fmt.Sprintf("/api/friends/%d", bobID), bearer(aliceTok)...)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFriendsRoutes_RequireAuth(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusUnauthorized, getJSON(e.router, "/api/friends").Code)
	assert.Equal(t, http.StatusUnauthorized, postJSON(e.router, "/api/friends/add", map[string]string{"username": "x"}).Code)
}

func drainDetached(s *gateway.Session) []gateway.Packet {
	var pkts []gateway.Packet
	for {
		select {
		case data := <-s.SendChan:
			var p gateway.Packet
			if json.Unmarshal(data, &p) == nil {
				pkts = append(pkts, p)
			}
		default:
			return pkts
		}
	}
}

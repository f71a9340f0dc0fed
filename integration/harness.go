package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	apirest "github.com/driftchat/server/api/rest"
	"github.com/driftchat/server/api/sse"
	apows "github.com/driftchat/server/api/ws"
	"github.com/driftchat/server/cache"
	"github.com/driftchat/server/chat"
	"github.com/driftchat/server/config"
	"github.com/driftchat/server/friends"
	"github.com/driftchat/server/gateway"
	mw "github.com/driftchat/server/middleware"
	"github.com/driftchat/server/presence"
	"github.com/driftchat/server/scheduler"
	"github.com/driftchat/server/testutil"
)

// TestServer wraps a real HTTP server with every subsystem wired together.
type TestServer struct {
	DB       *gorm.DB
	Cache    cache.Cache
	PubSub   cache.PubSub
	Hub      *gateway.Hub
	Registry *presence.Registry
	Friends  *friends.Service
	Chat     *chat.Service
	Server   *httptest.Server
	URL      string // http://127.0.0.1:<port>
	WSURL    string // ws://127.0.0.1:<port>/ws
	Sec      config.SecurityConfig
}

// NewTestServer creates a fully wired chat server for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// ---- Infrastructure ----
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		JWTTTLH:        72 * time.Hour,
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
		AllowedOrigins: []string{}, // allow all origins
	}
	chatCfg := config.ChatConfig{
		MaxMessageLen:   2000,
		HistoryLimit:    200,
		RecentCacheSize: 50,
	}

	// ---- Core services ----
	registry := presence.NewRegistry()
	hub := gateway.NewHub(registry, pubsub, logger)
	friendsSvc := friends.NewService(db, logger)
	chatSvc := chat.NewService(db, c, hub, friendsSvc, chatCfg, logger)

	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)

	// ---- WS Router ----
	wsRouter := apows.NewRouter(logger)
	apows.NewSessionHandlers(hub, logger).Register(wsRouter)
	apows.NewChatHandlers(chatSvc, logger).Register(wsRouter)

	// ---- Gin HTTP Server ----
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(sec.RateLimitRPS), sec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes (mirrors main.go) ----
	authH := apirest.NewAuthHandler(db, c, sec)
	friendsH := apirest.NewFriendsHandler(friendsSvc, hub, nil, logger)
	messagesH := apirest.NewMessagesHandler(chatSvc, logger)
	adminH := apirest.NewAdminHandler(db, hub, sched, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(sec, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(sec, c), authH.Refresh)

		authed := api.Group("")
		authed.Use(mw.Auth(sec, c))
		authed.GET("/friends", friendsH.ListFriends)
		authed.DELETE("/friends/:id", friendsH.RemoveFriend)
		authed.POST("/friends/add", friendsH.SendRequest)
		authed.GET("/friends/requests", friendsH.ListRequests)
		authed.PUT("/friends/accept/:id", friendsH.Accept)
		authed.PUT("/friends/reject/:id", friendsH.Reject)
		authed.GET("/messages/:friendId", messagesH.History)
		authed.GET("/conversations", messagesH.RecentConversations)

		adminG := api.Group("/admin")
		adminG.Use(apirest.AdminAuth("integration-admin-key"))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/online", adminH.ListOnline)
		adminG.POST("/kick/:id", adminH.KickUser)
		adminG.POST("/users/:id/ban", adminH.BanUser)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
	}

	// ---- WebSocket ----
	wsH := apows.NewHandler(c, sec, hub, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- SSE ----
	sseH := sse.NewHandler(pubsub, c, sec, logger)
	r.GET("/sse", sseH.ServeSSE)

	// ---- Start server ----
	server := httptest.NewServer(r)
	url := server.URL
	wsURL := "ws" + url[len("http"):] + "/ws"

	ts := &TestServer{
		DB:       db,
		Cache:    c,
		PubSub:   pubsub,
		Hub:      hub,
		Registry: registry,
		Friends:  friendsSvc,
		Chat:     chatSvc,
		Server:   server,
		URL:      url,
		WSURL:    wsURL,
		Sec:      sec,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the test server and drains all live connections.
func (ts *TestServer) Close() {
	ts.Hub.CloseAll()
	ts.Server.Close()
}

// --- HTTP helpers ---

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest("POST", ts.URL+path, bodyReader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// PutJSON sends a PUT request with JSON body and optional Bearer token.
func (ts *TestServer) PutJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest("PUT", ts.URL+path, bodyReader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Delete sends a DELETE request with optional Bearer token.
func (ts *TestServer) Delete(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("DELETE", ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth helpers ---

// Login logs in (auto-registers on first call) and returns the token and user ID.
func (ts *TestServer) Login(t *testing.T, username, password string) (token string, userID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	token = result["token"].(string)
	userID = int64(result["user_id"].(float64))
	return
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// Uses a background readLoop so a timed-out Recv never corrupts the
// underlying connection.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	seq    uint64
	readCh chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the test server's WS endpoint with the given JWT token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	url := ts.WSURL + "?token=" + token
	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	return wc
}

func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes a JSON message packet to the WebSocket.
func (wc *WSClient) Send(msgType string, payload interface{}) {
	wc.t.Helper()
	seq := atomic.AddUint64(&wc.seq, 1)
	payloadJSON, err := json.Marshal(payload)
	require.NoError(wc.t, err)
	pkt := map[string]interface{}{
		"seq":     seq,
		"type":    msgType,
		"payload": json.RawMessage(payloadJSON),
	}
	data, err := json.Marshal(pkt)
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// RecvAny reads one message from the WebSocket with a timeout, returning an
// error instead of failing the test on timeout or read failure.
func (wc *WSClient) RecvAny(timeout time.Duration) (map[string]interface{}, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return nil, res.err
		}
		var pkt map[string]interface{}
		if err := json.Unmarshal(res.data, &pkt); err != nil {
			return nil, err
		}
		return pkt, nil
	case <-time.After(timeout):
		return nil, &timeoutError{}
	}
}

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "read timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// RecvType reads messages until one with the given type is found (within timeout).
func (wc *WSClient) RecvType(msgType string, timeout time.Duration) map[string]interface{} {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pkt, err := wc.RecvAny(remaining)
		if err != nil {
			wc.t.Fatalf("WS recv failed while waiting for %q: %v", msgType, err)
		}
		if pkt["type"] == msgType {
			return pkt
		}
	}
	wc.t.Fatalf("timed out waiting for message type %q", msgType)
	return nil
}

// ExpectNoType asserts that no message of the given type arrives within the window.
func (wc *WSClient) ExpectNoType(msgType string, window time.Duration) {
	wc.t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		pkt, err := wc.RecvAny(time.Until(deadline))
		if err != nil {
			return // timeout or closed, either way nothing arrived
		}
		if pkt["type"] == msgType {
			wc.t.Fatalf("unexpected message of type %q: %v", msgType, pkt)
		}
	}
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// PayloadMap extracts the payload from a received WS packet as a map.
func PayloadMap(t *testing.T, pkt map[string]interface{}) map[string]interface{} {
	t.Helper()
	p := pkt["payload"]
	if p == nil {
		return map[string]interface{}{}
	}
	switch v := p.(type) {
	case map[string]interface{}:
		return v
	case string:
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(v), &m))
		return m
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}
}

// --- Composite helpers ---

// LoginAndConnect performs login and WS connect for a user.
func (ts *TestServer) LoginAndConnect(t *testing.T, username string) (string, int64, *WSClient) {
	t.Helper()
	token, userID := ts.Login(t, username, username+"pass")
	ws := ts.ConnectWS(t, token)
	// The server pushes an online snapshot right after the upgrade.
	ws.RecvType("onlineUsers", 5*time.Second)
	return token, userID, ws
}

// Befriend sends a friend request from the token holder to username and
// accepts it as the recipient. Returns the request ID.
func (ts *TestServer) Befriend(t *testing.T, senderToken, recipientToken, recipientUsername string) int64 {
	t.Helper()
	resp := ts.PostJSON(t, "/api/friends/add", map[string]string{"username": recipientUsername}, senderToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reqOut map[string]interface{}
	ReadJSON(t, resp, &reqOut)
	reqID := int64(reqOut["id"].(float64))

	acceptResp := ts.PutJSON(t, fmt.Sprintf("/api/friends/accept/%d", reqID), nil, recipientToken)
	require.Equal(t, http.StatusOK, acceptResp.StatusCode)
	acceptResp.Body.Close()
	return reqID
}

// UniqueID returns a short unique string suitable for usernames.
var testCounter uint64

func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%100000, n)
}

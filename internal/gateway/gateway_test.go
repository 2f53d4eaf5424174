package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erasmusly/messaging-service/internal/auth"
	"erasmusly/messaging-service/internal/models"
	"erasmusly/messaging-service/internal/realtime"
	"erasmusly/messaging-service/internal/repository"
	"erasmusly/messaging-service/internal/service"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testEnv struct {
	server   *httptest.Server
	auth     *auth.Authenticator
	registry *realtime.Registry
	service  service.ChatService
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	users := repository.NewMemoryUserDirectory(
		&models.User{ID: "1", Name: "Ana"},
		&models.User{ID: "2", Name: "Ben"},
		&models.User{ID: "3", Name: "Cleo"},
	)
	repo := repository.NewMemoryChatRepository()
	registry := realtime.NewRegistry(service.NewMembership(repo), logger)
	router := realtime.NewRouter(registry, logger)
	svc := service.NewChatService(repo, users, router, logger)

	authenticator, err := auth.NewAuthenticator("test-secret", users)
	require.NoError(t, err)

	handler := NewHandler(svc, authenticator, registry, logger, opts)
	server := httptest.NewServer(handler.NewRouter())
	t.Cleanup(func() {
		registry.Close()
		server.Close()
	})

	return &testEnv{server: server, auth: authenticator, registry: registry, service: svc}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.auth.IssueToken(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) openChat(t *testing.T, caller, other string) chatView {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/chat", caller, gin.H{"userId": other})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var view chatView
	require.NoError(t, json.Unmarshal(body, &view))
	return view
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Code
}

func TestREST_RequiresToken(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, body := env.do(t, http.MethodGet, "/api/chat", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, body))

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer garbage")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestREST_OpenConversation(t *testing.T) {
	env := newTestEnv(t, Options{})

	first := env.openChat(t, "1", "2")
	second := env.openChat(t, "2", "1")
	assert.Equal(t, first.ID, second.ID)
	require.Len(t, first.Participants, 2)
	assert.Equal(t, "Ana", first.Participants[0].Name)
	assert.Empty(t, first.Messages)

	resp, body := env.do(t, http.MethodPost, "/api/chat", "1", gin.H{"userId": "1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", errorCode(t, body))

	resp, _ = env.do(t, http.MethodPost, "/api/chat", "1", gin.H{"userId": "99"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/chat", "1", gin.H{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestREST_SendAndListMessages(t *testing.T) {
	env := newTestEnv(t, Options{})
	chat := env.openChat(t, "1", "2")

	resp, body := env.do(t, http.MethodPost, "/api/message", "1", gin.H{"chatId": chat.ID, "content": "  hola  "})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var sent realtime.MessagePayload
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, "  hola  ", sent.Text, "content is stored as sent")
	assert.Equal(t, "1", sent.SenderID)
	assert.Equal(t, chat.ID, sent.ChatID)

	resp, _ = env.do(t, http.MethodPost, "/api/chat/message", "2", gin.H{"chatId": chat.ID, "content": "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/message/"+chat.ID, "2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []realtime.MessagePayload
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 2)
	assert.Equal(t, sent.ID, history[0].ID)
	assert.Equal(t, "hi", history[1].Text)

	resp, body = env.do(t, http.MethodGet, "/api/chat", "1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chats []chatView
	require.NoError(t, json.Unmarshal(body, &chats))
	require.Len(t, chats, 1)
	assert.Len(t, chats[0].Messages, 2)
}

func TestREST_SendRejections(t *testing.T) {
	env := newTestEnv(t, Options{})
	chat := env.openChat(t, "1", "2")

	resp, body := env.do(t, http.MethodPost, "/api/message", "1", gin.H{"chatId": chat.ID, "content": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", errorCode(t, body))

	resp, body = env.do(t, http.MethodPost, "/api/message", "1", gin.H{"content": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, body))

	resp, body = env.do(t, http.MethodPost, "/api/message", "3", gin.H{"chatId": chat.ID, "content": "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, body))

	resp, _ = env.do(t, http.MethodPost, "/api/message", "1", gin.H{"chatId": "missing", "content": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/message/"+chat.ID, "3", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/message/"+chat.ID+"?limit=abc", "1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestREST_MarkRead(t *testing.T) {
	env := newTestEnv(t, Options{})
	chat := env.openChat(t, "1", "2")
	env.do(t, http.MethodPost, "/api/message", "1", gin.H{"chatId": chat.ID, "content": "one"})

	resp, body := env.do(t, http.MethodPost, "/api/message/"+chat.ID+"/read", "2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"updated":1}`, string(body))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, body := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","sessions":0,"channels":0}`, string(body))
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Options{AllowedOrigins: []string{"http://localhost:5173"}})

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

// socketFrame is the union of every outbound frame shape.
type socketFrame struct {
	Type      string                    `json:"type"`
	Code      string                    `json:"code"`
	Error     string                    `json:"error"`
	UserID    string                    `json:"userId"`
	ChatID    string                    `json:"chatId"`
	ClientID  string                    `json:"clientId"`
	MessageID string                    `json:"messageId"`
	Message   realtime.MessagePayload   `json:"message"`
	Messages  []realtime.MessagePayload `json:"messages"`
}

type testSocket struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *testEnv) dial(t *testing.T, userID string) *testSocket {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + e.token(t, userID)
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })

	s := &testSocket{t: t, ws: ws}
	s.expect(realtime.FrameConnected)
	return s
}

func (s *testSocket) send(frame any) {
	s.t.Helper()
	require.NoError(s.t, s.ws.WriteJSON(frame))
}

// expect reads frames until one of the given type arrives.
func (s *testSocket) expect(frameType string) socketFrame {
	s.t.Helper()
	require.NoError(s.t, s.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var frame socketFrame
		require.NoError(s.t, s.ws.ReadJSON(&frame), "waiting for %q", frameType)
		if frame.Type == frameType {
			return frame
		}
	}
}

func (s *testSocket) join(userID, chatID string) socketFrame {
	s.t.Helper()
	s.send(gin.H{"type": "identify", "userId": userID})
	s.expect(realtime.FrameIdentified)
	s.send(gin.H{"type": "join", "chatId": chatID})
	return s.expect(realtime.FrameJoined)
}

func TestSocket_RequiresToken(t *testing.T) {
	env := newTestEnv(t, Options{})

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSocket_DeliversToBothParticipants(t *testing.T) {
	env := newTestEnv(t, Options{})
	chat := env.openChat(t, "1", "2")

	ana := env.dial(t, "1")
	ben := env.dial(t, "2")
	ana.join("1", chat.ID)
	ben.join("2", chat.ID)

	ana.send(gin.H{"type": "message", "chatId": chat.ID, "content": "hola", "clientId": "c-1"})

	// The live echo is published before the handler acknowledges the send.
	echo := ana.expect(realtime.FrameMessageReceived)
	ack := ana.expect(realtime.FrameAck)
	assert.Equal(t, "c-1", ack.ClientID)
	assert.Equal(t, chat.ID, ack.ChatID)

	got := ben.expect(realtime.FrameMessageReceived)
	assert.Equal(t, ack.MessageID, echo.Message.ID)
	assert.Equal(t, ack.MessageID, got.Message.ID)
	assert.Equal(t, "hola", got.Message.Text)
	assert.Equal(t, "1", got.Message.SenderID)

	// REST sends reach live sessions through the same path.
	resp, _ := env.do(t, http.MethodPost, "/api/message", "2", gin.H{"chatId": chat.ID, "content": "hey"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	got = ana.expect(realtime.FrameMessageReceived)
	assert.Equal(t, "hey", got.Message.Text)
}

func TestSocket_ReconnectCatchesUpFromHistory(t *testing.T) {
	env := newTestEnv(t, Options{})
	chat := env.openChat(t, "1", "2")

	ben := env.dial(t, "2")
	ben.join("2", chat.ID)
	require.NoError(t, ben.ws.Close())

	assert.Eventually(t, func() bool {
		return env.registry.Stats().Sessions == 0
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ := env.do(t, http.MethodPost, "/api/message", "1", gin.H{"chatId": chat.ID, "content": "while you were away"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ben = env.dial(t, "2")
	joined := ben.join("2", chat.ID)
	require.Len(t, joined.Messages, 1)
	assert.Equal(t, "while you were away", joined.Messages[0].Text)
}

func TestSocket_Rejections(t *testing.T) {
	env := newTestEnv(t, Options{})
	chat := env.openChat(t, "1", "2")

	cleo := env.dial(t, "3")

	cleo.send(gin.H{"type": "message", "chatId": chat.ID, "content": "hi"})
	assert.Equal(t, "unauthorized", cleo.expect(realtime.FrameError).Code)

	cleo.send(gin.H{"type": "setup", "user": gin.H{"_id": "1"}})
	assert.Equal(t, "unauthorized", cleo.expect(realtime.FrameError).Code)

	cleo.send(gin.H{"type": "setup", "user": gin.H{"_id": "3"}})
	cleo.expect(realtime.FrameIdentified)

	cleo.send(gin.H{"type": "join chat", "chatId": chat.ID})
	assert.Equal(t, "forbidden", cleo.expect(realtime.FrameError).Code)

	cleo.send(gin.H{"type": "message", "chatId": chat.ID, "content": "hi"})
	assert.Equal(t, "forbidden", cleo.expect(realtime.FrameError).Code)

	cleo.send(gin.H{"type": "join", "chatId": "missing"})
	assert.Equal(t, "not_found", cleo.expect(realtime.FrameError).Code)

	cleo.send(gin.H{"type": "dance"})
	assert.Equal(t, "unsupported_type", cleo.expect(realtime.FrameError).Code)

	require.NoError(t, cleo.ws.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, "bad_request", cleo.expect(realtime.FrameError).Code)

	cleo.send(gin.H{"type": "ping"})
	cleo.expect(realtime.FramePong)

	assert.Zero(t, env.registry.Stats().Channels)
}

func TestSocket_EmptyMessageIsRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	chat := env.openChat(t, "1", "2")

	ana := env.dial(t, "1")
	ana.join("1", chat.ID)

	ana.send(gin.H{"type": "message", "chatId": chat.ID, "content": "  "})
	assert.Equal(t, "validation_error", ana.expect(realtime.FrameError).Code)

	history, err := env.service.GetChatMessages(t.Context(), chat.ID, "1", 0, "")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSocket_LeaveStopsDelivery(t *testing.T) {
	env := newTestEnv(t, Options{})
	chat := env.openChat(t, "1", "2")

	ben := env.dial(t, "2")
	ben.join("2", chat.ID)
	ben.send(gin.H{"type": "leave", "chatId": chat.ID})
	left := ben.expect(realtime.FrameLeft)
	assert.Equal(t, chat.ID, left.ChatID)

	assert.Eventually(t, func() bool {
		return env.registry.Stats().Channels == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSocket_IdleTimeoutDisconnects(t *testing.T) {
	env := newTestEnv(t, Options{IdleTimeout: 200 * time.Millisecond})

	// The client never reads, so server pings go unanswered.
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?token=" + env.token(t, "1")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer ws.Close()

	assert.Eventually(t, func() bool {
		return env.registry.Stats().Sessions == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return env.registry.Stats().Sessions == 0
	}, 2*time.Second, 10*time.Millisecond)
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live-relay/internal/chat"
	"github.com/weiawesome/wes-io-live-relay/internal/config"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/hub"
	"github.com/weiawesome/wes-io-live-relay/internal/moderation"
	"github.com/weiawesome/wes-io-live-relay/internal/registry"
	"github.com/weiawesome/wes-io-live-relay/internal/service"
	"github.com/weiawesome/wes-io-live-relay/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		WebSocket: config.WebSocketConfig{
			PingInterval:   time.Second,
			PongWait:       2 * time.Second,
			WriteWait:      time.Second,
			MaxMessageSize: 64 * 1024,
			SendBuffer:     64,
		},
		Polling: config.PollingConfig{
			ClientTTL: time.Minute,
			MaxQueue:  100,
			MaxWait:   time.Second,
		},
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
	}
}

type testServer struct {
	handler http.Handler
	hub     *hub.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := testConfig()
	h := hub.NewHub(cfg.WebSocket, cfg.Polling)
	svc := service.NewRelayService(registry.New(50), chat.NewGuard(time.Second, time.Second), moderation.NewStore())
	h.SetDisconnectHandler(func(c hub.Conn) { svc.HandleDisconnect(context.Background(), c) })
	t.Cleanup(h.CloseAll)
	return &testServer{handler: NewRouter(cfg, h, svc, nil, zerolog.Nop()), hub: h}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, response.Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var env response.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func (s *testServer) register(t *testing.T, req RegisterRequest) string {
	t.Helper()
	rec, env := s.do(t, http.MethodPost, "/api/polling/register", req)
	require.Equal(t, http.StatusOK, rec.Code)
	var out RegisterResponse
	require.NoError(t, env.Decode(&out))
	require.NotEmpty(t, out.ClientID)
	return out.ClientID
}

func (s *testServer) send(t *testing.T, clientID string, frame any) {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	rec, _ := s.do(t, http.MethodPost, "/api/polling/send", SendRequest{ClientID: clientID, Message: raw})
	require.Equal(t, http.StatusOK, rec.Code)
}

func (s *testServer) poll(t *testing.T, clientID string) []map[string]any {
	t.Helper()
	rec, env := s.do(t, http.MethodGet, "/api/polling/messages/"+clientID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out MessagesResponse
	require.NoError(t, env.Decode(&out))

	frames := make([]map[string]any, 0, len(out.Messages))
	for _, raw := range out.Messages {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		frames = append(frames, m)
	}
	return frames
}

func framesOfType(frames []map[string]any, t string) []map[string]any {
	var out []map[string]any
	for _, f := range frames {
		if f["type"] == t {
			out = append(out, f)
		}
	}
	return out
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		if m["type"] == msgType {
			return m
		}
	}
}

func TestPollingRegister(t *testing.T) {
	s := newTestServer(t)

	id := s.register(t, RegisterRequest{ClientID: "poll-1", ClientType: domain.RoleViewer})
	assert.Equal(t, "poll-1", id)

	again := s.register(t, RegisterRequest{ClientID: "poll-1"})
	assert.NotEqual(t, "poll-1", again, "a live id is never handed out twice")

	anon := s.register(t, RegisterRequest{})
	assert.NotEmpty(t, anon)
	assert.Equal(t, 3, s.hub.Count(domain.TransportPolling))
}

func TestPollingUnknownClient(t *testing.T) {
	s := newTestServer(t)

	rec, env := s.do(t, http.MethodGet, "/api/polling/messages/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)

	rec, _ = s.do(t, http.MethodPost, "/api/polling/send", SendRequest{ClientID: "missing", Message: json.RawMessage(`{"type":"ping"}`)})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/polling/send", gin.H{"clientId": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollingPingAndUnknownType(t *testing.T) {
	s := newTestServer(t)
	id := s.register(t, RegisterRequest{})

	s.send(t, id, gin.H{"type": "ping"})
	s.send(t, id, gin.H{"type": "bogus"})

	frames := s.poll(t, id)
	require.Len(t, frames, 2)
	assert.Equal(t, domain.MsgTypePong, frames[0]["type"])
	assert.Equal(t, domain.MsgTypeError, frames[1]["type"])
	assert.Equal(t, domain.ErrCodeUnknownType, frames[1]["code"])

	assert.Empty(t, s.poll(t, id), "drained frames are not returned twice")
}

func TestPollingLongPollTimesOut(t *testing.T) {
	s := newTestServer(t)
	id := s.register(t, RegisterRequest{})

	start := time.Now()
	rec, env := s.do(t, http.MethodGet, "/api/polling/messages/"+id+"?wait=100ms", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	var out MessagesResponse
	require.NoError(t, env.Decode(&out))
	assert.NotNil(t, out.Messages)
	assert.Empty(t, out.Messages)

	rec, _ = s.do(t, http.MethodGet, "/api/polling/messages/"+id+"?wait=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// A websocket broadcaster and a polling viewer share one room.
func TestMixedTransportRoom(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	b, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.WriteJSON(gin.H{"type": "join", "role": "broadcaster", "roomId": "r1", "username": "alice"}))
	ack := readUntil(t, b, domain.MsgTypeJoinAck)
	assert.Equal(t, "r1", ack["roomId"])

	v := s.register(t, RegisterRequest{UserInfo: &domain.UserInfo{Username: "bob"}})
	s.send(t, v, gin.H{"type": "join", "role": "viewer", "roomId": "r1"})

	joined := readUntil(t, b, domain.MsgTypeViewerJoined)
	assert.Equal(t, "bob", joined["username"])
	viewerID, _ := joined["viewerId"].(string)
	require.NotEmpty(t, viewerID)

	frames := s.poll(t, v)
	vack := framesOfType(frames, domain.MsgTypeJoinAck)
	require.Len(t, vack, 1)
	assert.Equal(t, viewerID, vack[0]["id"])
	assert.NotEmpty(t, framesOfType(frames, domain.MsgTypeViewerCountUpdate))

	// Signaling from the broadcaster reaches the polling viewer untouched.
	offer := `{"type":"offer","viewerId":"` + viewerID + `","sdp":{"type":"offer","sdp":"v=0"}}`
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(offer)))
	require.Eventually(t, func() bool {
		pc, ok := s.hub.Polling(v)
		return ok && pc.Pending() > 0
	}, 2*time.Second, 10*time.Millisecond)

	frames = s.poll(t, v)
	require.Len(t, frames, 1)
	assert.Equal(t, domain.MsgTypeOffer, frames[0]["type"])

	s.send(t, v, gin.H{"type": "chat", "text": "hello", "tempId": "t1"})

	msg := readUntil(t, b, domain.MsgTypeChat)
	assert.Equal(t, "hello", msg["text"])
	assert.Equal(t, "bob", msg["username"])

	frames = s.poll(t, v)
	acks := framesOfType(frames, domain.MsgTypeAck)
	require.Len(t, acks, 1)
	assert.Equal(t, true, acks[0]["ok"])
	assert.Equal(t, "t1", acks[0]["tempId"])
	assert.Equal(t, msg["id"], acks[0]["id"])

	rec, env := s.do(t, http.MethodGet, "/api/rooms/r1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	require.NoError(t, env.Decode(&hist))
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "hello", hist.Messages[0].Text)
}

func TestRoomsAPI(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodGet, "/api/rooms/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/rooms/nope/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	v := s.register(t, RegisterRequest{UserInfo: &domain.UserInfo{Username: "carol"}})
	s.send(t, v, gin.H{"type": "join", "role": "viewer", "roomId": "r2"})

	rec, env := s.do(t, http.MethodGet, "/api/rooms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Rooms []registry.RoomInfo `json:"rooms"`
	}
	require.NoError(t, env.Decode(&list))
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, "r2", list.Rooms[0].ID)

	rec, _ = s.do(t, http.MethodGet, "/api/rooms/r2/transcripts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "transcripts are off without an archive")
}

func TestModerationAPI(t *testing.T) {
	s := newTestServer(t)

	v := s.register(t, RegisterRequest{UserInfo: &domain.UserInfo{Username: "mallory"}})
	s.send(t, v, gin.H{"type": "join", "role": "viewer", "roomId": "r3"})
	s.poll(t, v)

	rec, _ := s.do(t, http.MethodPost, "/api/rooms/r3/moderation", ModerationRequest{Username: "mallory", Action: "ban"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/rooms/r3/moderation", ModerationRequest{Username: "mallory", Action: moderation.ActionMute})
	require.Equal(t, http.StatusOK, rec.Code)

	s.send(t, v, gin.H{"type": "chat", "text": "spam", "tempId": "t9"})
	acks := framesOfType(s.poll(t, v), domain.MsgTypeAck)
	require.Len(t, acks, 1)
	assert.Equal(t, false, acks[0]["ok"])
	assert.Equal(t, domain.RejectMuted, acks[0]["error"])
}

func TestKickedPollingClientReceivesNotice(t *testing.T) {
	s := newTestServer(t)

	v := s.register(t, RegisterRequest{UserInfo: &domain.UserInfo{Username: "mallory"}})
	s.send(t, v, gin.H{"type": "join", "role": "viewer", "roomId": "r4"})
	s.poll(t, v)

	rec, _ := s.do(t, http.MethodPost, "/api/rooms/r4/moderation", ModerationRequest{Username: "mallory", Action: moderation.ActionKick})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool { return s.hub.Count(domain.TransportPolling) == 0 }, time.Second, 5*time.Millisecond)

	// Sends are refused, but the queued notice is still delivered once.
	rec, _ = s.do(t, http.MethodPost, "/api/polling/send", SendRequest{ClientID: v, Message: json.RawMessage(`{"type":"ping"}`)})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	errs := framesOfType(s.poll(t, v), domain.MsgTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "removed from room", errs[0]["message"])

	rec, _ = s.do(t, http.MethodGet, "/api/polling/messages/"+v, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIPLimiter(t *testing.T) {
	l := newIPLimiter(1, 2)
	now := time.Now()

	assert.True(t, l.allow("10.0.0.1", now))
	assert.True(t, l.allow("10.0.0.1", now))
	assert.False(t, l.allow("10.0.0.1", now))
	assert.True(t, l.allow("10.0.0.2", now), "buckets are per address")
	assert.True(t, l.allow("10.0.0.1", now.Add(time.Second)))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req), "requests without Origin are allowed")

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}

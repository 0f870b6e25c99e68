package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live-relay/internal/chatclient"
	"github.com/weiawesome/wes-io-live-relay/internal/config"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/transport"
)

type slowDialer struct {
	delay time.Duration
	next  transport.Dialer
}

func (d slowDialer) Dial(ctx context.Context) (transport.Conn, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.next.Dial(ctx)
}

type chatLog struct {
	mu        sync.Mutex
	confirmed map[string]string
	failed    map[string]string
}

func newChatLog() *chatLog {
	return &chatLog{confirmed: map[string]string{}, failed: map[string]string{}}
}

func (l *chatLog) State(chatclient.State)     {}
func (l *chatLog) Pending(string, string)     {}
func (l *chatLog) Message(domain.ChatMessage) {}
func (l *chatLog) Notice(string)              {}

func (l *chatLog) Confirmed(tempID, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmed[tempID] = id
}

func (l *chatLog) Failed(tempID, _, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed[tempID] = reason
}

func (l *chatLog) counts() (confirmed, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.confirmed), len(l.failed)
}

func TestQueuedChatDeliveredThroughCooldown(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	cfg := config.DefaultClientConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.HeartbeatInterval = time.Hour

	dialer := slowDialer{delay: 300 * time.Millisecond, next: &transport.WebSocketDialer{URL: cfg.URL}}
	chat := newChatLog()
	client := chatclient.New(cfg, func() chatclient.Link {
		return transport.NewLink(dialer, nil, 2*time.Second)
	}, chat,
		chatclient.WithJoin(&domain.JoinMessage{Type: domain.MsgTypeJoin, Role: domain.RoleViewer, RoomID: "r1", Username: "carol"}),
		chatclient.WithIdentity(domain.RoleViewer, "carol"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for _, text := range []string{"one", "two", "three"} {
		require.NotEmpty(t, client.Send(text))
	}

	require.Eventually(t, func() bool {
		confirmed, _ := chat.counts()
		return confirmed == 3
	}, 6*time.Second, 20*time.Millisecond)

	_, failed := chat.counts()
	assert.Zero(t, failed)

	rec, env := s.do(t, http.MethodGet, "/api/rooms/r1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	require.NoError(t, env.Decode(&hist))
	require.Len(t, hist.Messages, 3)
	assert.Equal(t, "one", hist.Messages[0].Text)
	assert.Equal(t, "three", hist.Messages[2].Text)
}

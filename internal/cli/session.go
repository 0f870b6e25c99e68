package cli

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-live-relay/internal/chatclient"
	"github.com/weiawesome/wes-io-live-relay/internal/config"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/transport"
)

// linkFactory builds a fresh websocket-first link for every attempt.
func linkFactory(cfg *config.ClientConfig, role domain.Role, name string) chatclient.LinkFactory {
	return func() chatclient.Link {
		fallback := &transport.PollingDialer{
			BaseURL:    cfg.PollingURL,
			Interval:   cfg.PollInterval,
			ClientType: string(role),
			Username:   name,
		}
		if flagPolling {
			return transport.NewLink(fallback, nil, cfg.ConnectTimeout)
		}
		return transport.NewLink(&transport.WebSocketDialer{URL: cfg.URL}, fallback, cfg.ConnectTimeout)
	}
}

// session is one running chat client.
type session struct {
	client *chatclient.Client
	done   chan struct{}
	cancel context.CancelFunc
}

func newSession(cfg *config.ClientConfig, role domain.Role, r chatclient.Renderer, onFrame chatclient.FrameHandler) *session {
	join := &domain.JoinMessage{Type: domain.MsgTypeJoin, Role: role, RoomID: flagRoom, Username: flagName}
	client := chatclient.New(*cfg, linkFactory(cfg, role, flagName), r,
		chatclient.WithJoin(join),
		chatclient.WithIdentity(role, flagName),
		chatclient.WithFrameHandler(onFrame),
	)
	return &session{client: client, done: make(chan struct{}), cancel: func() {}}
}

// start runs the client in the background.
func (s *session) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		s.client.Run(ctx)
	}()
}

// waitConnected blocks until the client is connected or ctx ends.
func (s *session) waitConnected(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.client.State() == chatclient.StateConnected {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// stop closes the client and waits for its best-effort leave.
func (s *session) stop() {
	s.cancel()
	<-s.done
}

// readInput sends each input line as chat until ctx ends or input closes.
// "/retry" reconnects immediately and "/quit" ends the session.
func readInput(ctx context.Context, in io.Reader, s *session) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				return
			case "/retry":
				s.client.Retry()
			default:
				s.client.Send(line)
			}
		}
	}
}

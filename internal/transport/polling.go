package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
	"github.com/weiawesome/wes-io-live-relay/pkg/response"
)

const (
	defaultPollInterval = time.Second
	maxPollFailures     = 5
)

// PollingDialer registers a polling client with the relay and polls its
// mailbox on a fixed interval.
type PollingDialer struct {
	BaseURL    string
	Interval   time.Duration
	ClientType string
	Username   string
	HTTPClient *http.Client
}

type registerRequest struct {
	ClientType string    `json:"clientType,omitempty"`
	UserInfo   *userInfo `json:"userInfo,omitempty"`
}

type userInfo struct {
	Username string `json:"username,omitempty"`
}

type registerResponse struct {
	ClientID string `json:"clientId"`
}

type messagesResponse struct {
	Messages []json.RawMessage `json:"messages"`
}

type sendRequest struct {
	ClientID string          `json:"clientId"`
	Message  json.RawMessage `json:"message"`
}

// Dial registers and starts the poll loop.
func (d *PollingDialer) Dial(ctx context.Context) (Conn, error) {
	client := d.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	c := &pollingConn{
		baseURL:  strings.TrimRight(d.BaseURL, "/"),
		client:   client,
		interval: interval,
		frames:   make(chan []byte, 64),
		done:     make(chan struct{}),
	}

	req := registerRequest{ClientType: d.ClientType}
	if d.Username != "" {
		req.UserInfo = &userInfo{Username: d.Username}
	}
	var out registerResponse
	if err := c.do(ctx, http.MethodPost, "/api/polling/register", req, &out); err != nil {
		return nil, fmt.Errorf("polling register: %w", err)
	}
	c.clientID = out.ClientID

	go c.pollLoop()
	return c, nil
}

type pollingConn struct {
	baseURL  string
	client   *http.Client
	interval time.Duration
	clientID string
	frames   chan []byte
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (c *pollingConn) Kind() string          { return KindPolling }
func (c *pollingConn) Frames() <-chan []byte { return c.frames }

// ClientID returns the id the relay assigned.
func (c *pollingConn) ClientID() string { return c.clientID }

func (c *pollingConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *pollingConn) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *pollingConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.do(ctx, http.MethodPost, "/api/polling/send", sendRequest{ClientID: c.clientID, Message: frame}, nil)
}

func (c *pollingConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *pollingConn) pollLoop() {
	defer close(c.frames)
	l := pkglog.Component("transport")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	failures := 0
	for {
		var out messagesResponse
		err := c.do(ctx, http.MethodGet, "/api/polling/messages/"+c.clientID, nil, &out)
		switch {
		case err == nil:
			failures = 0
			for _, m := range out.Messages {
				select {
				case c.frames <- m:
				case <-c.done:
					return
				}
			}
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrUnknownClient):
			c.setErr(err)
			return
		default:
			failures++
			l.Debug().Err(err).Int("failures", failures).Msg("poll failed")
			if failures >= maxPollFailures {
				c.setErr(err)
				return
			}
		}

		select {
		case <-ticker.C:
		case <-c.done:
			return
		}
	}
}

// do performs one JSON request against the relay and decodes the response
// envelope into out.
func (c *pollingConn) do(ctx context.Context, method, path string, body, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && c.clientID != "" {
		return ErrUnknownClient
	}

	var env response.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	return env.Decode(out)
}

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"xrplwatch/internal/version"
)

const (
	subscribeRequestID = 1
	writeWait          = 10 * time.Second
)

// Options parameterise the XRPL client.
type Options struct {
	WSURL            string
	RPCURL           string
	Accounts         []string
	RequestTimeout   time.Duration
	ReconnectBackoff time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	BackfillPageSize int
	BackfillMaxPages int
}

// Client streams account transactions over websocket and replays history over
// JSON-RPC.
type Client struct {
	opts   Options
	logger zerolog.Logger
	dialer *websocket.Dialer
	http   *http.Client
}

// NewClient constructs a feed client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 5 * time.Second
	}
	if opts.BackfillPageSize <= 0 {
		opts.BackfillPageSize = 200
	}

	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "xrpl_feed").Logger(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.RequestTimeout,
		},
		http: &http.Client{Timeout: opts.RequestTimeout},
	}
}

type subscribeRequest struct {
	ID       int      `json:"id"`
	Command  string   `json:"command"`
	Accounts []string `json:"accounts"`
}

type frameHeader struct {
	Type         string `json:"type"`
	ID           *int   `json:"id"`
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

// callbackError carries a handler or onSubscribed failure out of a session so
// that it is not mistaken for a connection fault.
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// Stream implements EventSource.
func (c *Client) Stream(ctx context.Context, onSubscribed SubscribedFunc, handle Handler) error {
	if c.opts.WSURL == "" {
		return errors.New("xrpl websocket url not configured")
	}
	if len(c.opts.Accounts) == 0 {
		return errors.New("no accounts to subscribe")
	}

	subscriptions := 0
	for {
		err := c.session(ctx, &subscriptions, onSubscribed, handle)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var cbErr *callbackError
		if errors.As(err, &cbErr) {
			return cbErr.err
		}

		c.logger.Warn().Err(err).Dur("backoff", c.opts.ReconnectBackoff).Msg("feed connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectBackoff):
		}
	}
}

func (c *Client) session(ctx context.Context, subscriptions *int, onSubscribed SubscribedFunc, handle Handler) error {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	conn, _, err := c.dialer.DialContext(ctx, c.opts.WSURL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.WSURL, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// unblocks the pending read
			_ = conn.Close()
		case <-done:
		}
	}()

	c.extendDeadline(conn)
	conn.SetPongHandler(func(string) error {
		c.extendDeadline(conn)
		return nil
	})

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribeRequest{ID: subscribeRequestID, Command: "subscribe", Accounts: c.opts.Accounts}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	if c.opts.PingInterval > 0 {
		go c.keepalive(conn, done)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.extendDeadline(conn)

		var head frameHeader
		if err := json.Unmarshal(data, &head); err != nil {
			c.logger.Debug().Err(err).Msg("skipping undecodable frame")
			continue
		}

		switch {
		case head.ID != nil && *head.ID == subscribeRequestID:
			if head.Status != "success" {
				return fmt.Errorf("subscribe rejected: %s", firstNonEmpty(head.ErrorMessage, head.Error, head.Status))
			}
			reconnects := *subscriptions
			*subscriptions++
			c.logger.Info().Strs("accounts", c.opts.Accounts).Int("reconnects", reconnects).Msg("subscribed to account stream")
			if onSubscribed != nil {
				if err := c.unbounded(conn, func() error { return onSubscribed(ctx, reconnects) }); err != nil {
					return &callbackError{err: err}
				}
			}
		case head.Type == "transaction":
			var ev RawEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				c.logger.Debug().Err(err).Msg("skipping malformed transaction frame")
				continue
			}
			ev.Raw = append(json.RawMessage(nil), data...)
			if err := c.unbounded(conn, func() error { return handle(ctx, ev) }); err != nil {
				return &callbackError{err: err}
			}
		}
	}
}

func (c *Client) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *Client) extendDeadline(conn *websocket.Conn) {
	if c.opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
}

// unbounded runs fn with the read deadline cleared and re-arms it afterwards.
func (c *Client) unbounded(conn *websocket.Conn, fn func() error) error {
	if c.opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Time{})
	}
	err := fn()
	c.extendDeadline(conn)
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return "unknown error"
}

var _ EventSource = (*Client)(nil)

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeRippled accepts a subscribe request and then plays one script per
// connection. A connection whose script is exhausted is dropped unless it is
// the last one, which stays open until the client leaves.
type fakeRippled struct {
	t       *testing.T
	scripts [][]string
	delay   time.Duration // held before each script
	conns   atomic.Int32
}

func (f *fakeRippled) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	idx := int(f.conns.Add(1)) - 1

	var req subscribeRequest
	if err := conn.ReadJSON(&req); err != nil {
		f.t.Errorf("read subscribe: %v", err)
		return
	}
	if req.Command != "subscribe" || len(req.Accounts) != 1 || req.Accounts[0] != watched {
		f.t.Errorf("unexpected subscribe request: %+v", req)
	}
	_ = conn.WriteJSON(map[string]any{"id": req.ID, "status": "success", "type": "response", "result": map[string]any{}})

	if idx >= len(f.scripts) {
		idx = len(f.scripts) - 1
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	for _, frame := range f.scripts[idx] {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
	}
	if idx == len(f.scripts)-1 {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func txFrame(hash string, ledger int64) string {
	body, _ := json.Marshal(map[string]any{
		"type":         "transaction",
		"ledger_index": ledger,
		"validated":    true,
		"transaction": map[string]any{
			"Account":     stranger,
			"Destination": watched,
			"Amount":      "1000000",
			"hash":        hash,
		},
	})
	return string(body)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testClient(url string) *Client {
	return NewClient(Options{
		WSURL:            url,
		Accounts:         []string{watched},
		RequestTimeout:   time.Second,
		ReconnectBackoff: 10 * time.Millisecond,
		ReadTimeout:      5 * time.Second,
	}, zerolog.Nop())
}

func TestStreamReconnectsAndResubscribes(t *testing.T) {
	fake := &fakeRippled{t: t, scripts: [][]string{
		{txFrame("A", 10), `{"type":"ledgerClosed","ledger_index":10}`, `not json`, txFrame("B", 11)},
		{txFrame("C", 12)},
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu         sync.Mutex
		hashes     []string
		subscribed []int
	)
	err := testClient(wsURL(srv)).Stream(ctx,
		func(_ context.Context, reconnects int) error {
			mu.Lock()
			defer mu.Unlock()
			subscribed = append(subscribed, reconnects)
			return nil
		},
		func(_ context.Context, ev RawEvent) error {
			var tx txFields
			if err := json.Unmarshal(ev.Transaction, &tx); err != nil {
				t.Errorf("decode delivered transaction: %v", err)
			}
			mu.Lock()
			defer mu.Unlock()
			hashes = append(hashes, tx.Hash)
			if len(ev.Raw) == 0 {
				t.Error("raw frame should be attached")
			}
			if tx.Hash == "C" {
				cancel()
			}
			return nil
		})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled after cancel, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(hashes, ",") != "A,B,C" {
		t.Fatalf("unexpected delivery order: %v", hashes)
	}
	if len(subscribed) != 2 || subscribed[0] != 0 || subscribed[1] != 1 {
		t.Fatalf("subscription callback should run once per connection: %v", subscribed)
	}
}

func TestStreamReturnsHandlerError(t *testing.T) {
	fake := &fakeRippled{t: t, scripts: [][]string{{txFrame("A", 10), txFrame("B", 11)}}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("store down")
	calls := 0
	err := testClient(wsURL(srv)).Stream(ctx, nil, func(context.Context, RawEvent) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("handler error should be returned unchanged, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("stream should stop at the first handler error, got %d calls", calls)
	}
	if got := fake.conns.Load(); got != 1 {
		t.Fatalf("handler errors must not trigger a reconnect, saw %d connections", got)
	}
}

func TestStreamSubscribeCallbackErrorStopsStream(t *testing.T) {
	fake := &fakeRippled{t: t, scripts: [][]string{{txFrame("A", 10)}}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	boom := errors.New("backfill failed")
	err := testClient(wsURL(srv)).Stream(context.Background(),
		func(context.Context, int) error { return boom },
		func(context.Context, RawEvent) error {
			t.Error("no event should be delivered after a failed subscription callback")
			return nil
		})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestStreamSlowSubscribeCallbackKeepsConnection(t *testing.T) {
	fake := &fakeRippled{t: t, scripts: [][]string{{txFrame("A", 10)}}, delay: 400 * time.Millisecond}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := testClient(wsURL(srv))
	client.opts.ReadTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var delivered atomic.Int32
	err := client.Stream(ctx,
		func(context.Context, int) error {
			time.Sleep(300 * time.Millisecond)
			return nil
		},
		func(context.Context, RawEvent) error {
			delivered.Add(1)
			cancel()
			return nil
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled after delivery, got %v", err)
	}
	if got := delivered.Load(); got != 1 {
		t.Fatalf("expected one delivered event, got %d", got)
	}
	if got := fake.conns.Load(); got != 1 {
		t.Fatalf("a slow subscription callback must not force a reconnect, saw %d connections", got)
	}
}

func TestStreamSlowHandlerKeepsConnection(t *testing.T) {
	fake := &fakeRippled{t: t, scripts: [][]string{{txFrame("A", 10), txFrame("B", 11)}}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := testClient(wsURL(srv))
	client.opts.ReadTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var delivered atomic.Int32
	err := client.Stream(ctx, nil, func(context.Context, RawEvent) error {
		if delivered.Add(1) == 1 {
			time.Sleep(300 * time.Millisecond)
			return nil
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled after delivery, got %v", err)
	}
	if got := delivered.Load(); got != 2 {
		t.Fatalf("expected both events, got %d", got)
	}
	if got := fake.conns.Load(); got != 1 {
		t.Fatalf("a slow handler must not force a reconnect, saw %d connections", got)
	}
}

func TestStreamCancelWhileUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := testClient(url).Stream(ctx, nil, func(context.Context, RawEvent) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the context error once the deadline passes, got %v", err)
	}
}

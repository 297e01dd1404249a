package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func newEchoServer(t *testing.T, ctx context.Context, msgCh chan<- map[string]any, push string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		if push != "" {
			_ = conn.Write(ctx, websocket.MessageText, []byte(push))
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			select {
			case msgCh <- msg:
			default:
			}
		}
	}))
}

func TestClientSendsPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	msgCh := make(chan map[string]any, 1)
	server := newEchoServer(t, ctx, msgCh, "")
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 10*time.Millisecond, 20*time.Millisecond, zap.NewNop())

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, nil)
	}()

	select {
	case msg := <-msgCh:
		if msg["method"] != "ping" {
			t.Fatalf("expected ping message, got %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for ping")
	}
}

func TestClientReplaysSubscriptionsAndDeliversFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msgCh := make(chan map[string]any, 4)
	server := newEchoServer(t, ctx, msgCh, `{"channel":"allMids","data":{"mids":{"BTC":"1"}}}`)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 10*time.Millisecond, 0, zap.NewNop())
	sub := Subscription{Type: "allMids", Dex: "xyz"}
	if err := client.Subscribe(ctx, sub); err != nil {
		t.Fatalf("subscribe before connect: %v", err)
	}
	if err := client.Subscribe(ctx, sub); err != nil {
		t.Fatalf("duplicate subscribe: %v", err)
	}

	frames := make(chan json.RawMessage, 1)
	go func() {
		_ = client.Run(ctx, func(msg json.RawMessage) {
			select {
			case frames <- msg:
			default:
			}
		})
	}()

	select {
	case msg := <-msgCh:
		inner, _ := msg["subscription"].(map[string]any)
		if msg["method"] != "subscribe" || inner["type"] != "allMids" || inner["dex"] != "xyz" {
			t.Fatalf("unexpected subscribe message %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscription")
	}
	select {
	case frame := <-frames:
		if !strings.Contains(string(frame), "allMids") {
			t.Fatalf("unexpected frame %s", frame)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for frame")
	}
	if len(client.subs) != 1 {
		t.Fatalf("expected duplicate subscription to be ignored, got %d", len(client.subs))
	}
}

func TestClientSkipsControlFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for _, frame := range []string{
			`{"channel":"subscriptionResponse","data":{}}`,
			`{"channel":"pong"}`,
			`{"channel":"allMids","data":{"mids":{"xyz:GOLD":"2790.1"}}}`,
		} {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		<-ctx.Done()
	}))
	defer server.Close()

	client := New("ws"+strings.TrimPrefix(server.URL, "http"), 10*time.Millisecond, 0, zap.NewNop())
	frames := make(chan string, 4)
	go func() {
		_ = client.Run(ctx, func(msg json.RawMessage) { frames <- string(msg) })
	}()

	select {
	case frame := <-frames:
		if !strings.Contains(frame, `"allMids"`) {
			t.Fatalf("expected first delivered frame to be allMids, got %s", frame)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for frame")
	}
}

func TestNextDelayCaps(t *testing.T) {
	d := 3 * time.Second
	for i := 0; i < 10; i++ {
		d = nextDelay(d)
	}
	if d != maxReconnectDelay {
		t.Fatalf("expected cap %s, got %s", maxReconnectDelay, d)
	}
	if got := nextDelay(0); got != time.Second {
		t.Fatalf("expected 1s floor, got %s", got)
	}
	if j := jittered(time.Second); j < time.Second || j > 1200*time.Millisecond {
		t.Fatalf("jitter out of range: %s", j)
	}
}

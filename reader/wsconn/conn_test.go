package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func echoServer(t *testing.T, onText func(map[string]interface{})) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var v map[string]interface{}
			if json.Unmarshal(msg, &v) == nil && onText != nil {
				onText(v)
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	srv := echoServer(t, nil)
	c, err := Dial(context.Background(), wsURL(srv), Options{WritesPerSecond: 100, Burst: 5})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.WriteJSON(context.Background(), map[string]string{"op": "subscribe"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "subscribe") {
		t.Fatalf("unexpected frame %s", msg)
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	srv := echoServer(t, nil)
	c, err := Dial(context.Background(), wsURL(srv), Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := c.Read(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = c.Close()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected read error after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read still blocked after close")
	}
}

func TestJSONPingPayload(t *testing.T) {
	pings := make(chan struct{}, 4)
	srv := echoServer(t, func(v map[string]interface{}) {
		if v["op"] == "ping" {
			select {
			case pings <- struct{}{}:
			default:
			}
		}
	})
	c, err := Dial(context.Background(), wsURL(srv), Options{
		PingInterval: 10 * time.Millisecond,
		PingFrame:    func() []byte { return []byte(`{"op":"ping"}`) },
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}

func TestInvalidLocalAddr(t *testing.T) {
	srv := echoServer(t, nil)
	if _, err := Dial(context.Background(), wsURL(srv), Options{LocalAddr: "not-an-ip"}); err == nil {
		t.Fatal("expected invalid local address error")
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, "ws://127.0.0.1:1/none", Options{}); err == nil {
		t.Fatal("expected dial error")
	}
}

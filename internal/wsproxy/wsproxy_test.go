package wsproxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fergdev/roxy/internal/flow"
	"github.com/fergdev/roxy/internal/flowstore"
)

func TestServe_SplicesFramesBothWays(t *testing.T) {
	var echoUpgrader = websocket.Upgrader{}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := echoUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("origin upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
	defer origin.Close()
	originURL := "ws" + strings.TrimPrefix(origin.URL, "http")

	store := flowstore.NewMemory(10)
	defer store.Close()
	fl := store.NewWSFlow("example.com", "127.0.0.1:1")

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := Serve(context.Background(), store, fl, w, r, originURL, nil); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}))
	defer proxy.Close()
	proxyURL := "ws" + strings.TrimPrefix(proxy.URL, "http")

	clientConn, _, err := websocket.DefaultDialer.Dial(proxyURL, nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer clientConn.Close()

	if err := clientConn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(msg) != "echo:hello" {
		t.Errorf("got %q, want echo:hello", msg)
	}

	clientConn.Close()
	time.Sleep(100 * time.Millisecond)

	if len(fl.Snapshot().WSMessages) < 2 {
		t.Errorf("expected at least 2 recorded frames (one each direction), got %d", len(fl.Snapshot().WSMessages))
	}
}

func TestServe_PingIsLoggedAndForwarded(t *testing.T) {
	originPinged := make(chan struct{}, 1)
	var echoUpgrader = websocket.Upgrader{}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := echoUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("origin upgrade: %v", err)
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(appData string) error {
			select {
			case originPinged <- struct{}{}:
			default:
			}
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer origin.Close()
	originURL := "ws" + strings.TrimPrefix(origin.URL, "http")

	store := flowstore.NewMemory(10)
	defer store.Close()
	fl := store.NewWSFlow("example.com", "127.0.0.1:1")

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := Serve(context.Background(), store, fl, w, r, originURL, nil); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}))
	defer proxy.Close()
	proxyURL := "ws" + strings.TrimPrefix(proxy.URL, "http")

	clientConn, _, err := websocket.DefaultDialer.Dial(proxyURL, nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer clientConn.Close()

	pongReceived := make(chan struct{}, 1)
	clientConn.SetPongHandler(func(string) error {
		select {
		case pongReceived <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := clientConn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := clientConn.WriteControl(websocket.PingMessage, []byte("hi"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl(ping): %v", err)
	}

	select {
	case <-originPinged:
	case <-time.After(3 * time.Second):
		t.Fatal("origin never observed the forwarded ping")
	}
	select {
	case <-pongReceived:
	case <-time.After(3 * time.Second):
		t.Fatal("client never received a pong for its ping")
	}

	time.Sleep(100 * time.Millisecond)
	var sawPing bool
	for _, m := range fl.Snapshot().WSMessages {
		if m.Opcode == websocket.PingMessage {
			sawPing = true
		}
	}
	if !sawPing {
		t.Error("expected a ping frame to be recorded in WSMessages")
	}
}

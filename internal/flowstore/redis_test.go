package flowstore

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fergdev/roxy/internal/config"
	"github.com/fergdev/roxy/internal/flow"
	"github.com/fergdev/roxy/internal/redact"
)

// newTestRedisStore connects to a Redis instance at the conventional
// local address and skips the test if one isn't reachable; there is no
// in-pack fake Redis server, so this exercises the real client against
// a real server when one is available (e.g. in CI).
func newTestRedisStore(t *testing.T, redactor *redact.Redactor) *RedisStore {
	t.Helper()
	s, err := NewRedisStore("127.0.0.1:6379", 100, redactor)
	if err != nil {
		t.Skipf("no local redis available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStore_PersistsFlow(t *testing.T) {
	s := newTestRedisStore(t, nil)

	fl := s.NewHTTPFlow("example.com", "127.0.0.1:1")
	fl.SetResponse(&flow.InterceptedResponse{Status: 200, Headers: flow.NewHeaderList(), Body: []byte("ok")})
	s.PostEvent(context.Background(), fl, EventFlowClosed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := s.client.Get(ctx, s.prefix+strconv.FormatUint(fl.ID, 10)).Result()
	if err != nil {
		t.Fatalf("reading persisted flow: %v", err)
	}
	if !strings.Contains(data, "example.com") {
		t.Errorf("persisted blob missing host: %s", data)
	}
}

func TestRedisStore_RedactsBeforePersisting(t *testing.T) {
	redactor, err := redact.New(&config.RedactionConfig{AlwaysRedactHeaders: []string{"Authorization"}})
	if err != nil {
		t.Fatalf("redact.New: %v", err)
	}
	s := newTestRedisStore(t, redactor)

	headers := flow.NewHeaderList()
	headers.Add("Authorization", "Bearer top-secret-token")

	fl := s.NewHTTPFlow("example.com", "127.0.0.1:1")
	fl.SetRequest(&flow.InterceptedRequest{Method: "GET", URI: "/", Headers: headers})
	s.PostEvent(context.Background(), fl, EventRequestReceived)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := s.client.Get(ctx, s.prefix+strconv.FormatUint(fl.ID, 10)).Result()
	if err != nil {
		t.Fatalf("reading persisted flow: %v", err)
	}
	if strings.Contains(data, "top-secret-token") {
		t.Errorf("persisted blob leaked unredacted secret: %s", data)
	}
	if got := fl.Request.Headers.Get("Authorization"); got != "Bearer top-secret-token" {
		t.Errorf("in-memory flow was mutated by redaction: %q", got)
	}
}

func TestRedisStore_SharedIDCounterIsStrictlyIncreasing(t *testing.T) {
	s := newTestRedisStore(t, nil)

	a := s.NewHTTPFlow("a.example.com", "c")
	b := s.NewHTTPFlow("b.example.com", "c")

	if b.ID <= a.ID {
		t.Errorf("expected strictly increasing shared IDs, got %d then %d", a.ID, b.ID)
	}
}


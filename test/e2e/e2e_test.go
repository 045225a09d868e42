// Package e2e drives the whole proxy stack (mitm.Handler, the HTTP
// pipeline, the script host, and wsproxy) end to end over real
// listeners, one test per scenario from spec.md's testable-properties
// section: plain forwarding, HTTPS MITM, a script short-circuit, a
// script body rewrite, WebSocket capture, and a script timeout.
package e2e

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fergdev/roxy/internal/ca"
	"github.com/fergdev/roxy/internal/flow"
	"github.com/fergdev/roxy/internal/flowstore"
	"github.com/fergdev/roxy/internal/mitm"
	"github.com/fergdev/roxy/internal/script"
	_ "github.com/fergdev/roxy/internal/script/js"
	"github.com/fergdev/roxy/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func singleFlow(t *testing.T, store *flowstore.Memory) flow.Flow {
	t.Helper()
	ids := store.OrderedIDs()
	if len(ids) != 1 {
		t.Fatalf("expected exactly one recorded flow, got %d", len(ids))
	}
	fl, ok := store.Get(ids[0])
	if !ok {
		t.Fatalf("flow %d missing from store", ids[0])
	}
	return fl
}

// TestE2E_PlainForwarding is spec.md §8 S1: a plain proxied GET is
// delivered unmodified and recorded in full.
func TestE2E_PlainForwarding(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", "4")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}))
	defer origin.Close()

	store := flowstore.NewMemory(100)
	defer store.Close()

	h := &mitm.Handler{
		Store:    store,
		Script:   script.NewHost(0, nil),
		Upstream: upstream.New(upstream.Options{}),
		Logger:   testLogger(),
	}
	proxy := httptest.NewServer(h)
	defer proxy.Close()

	proxyURL, _ := url.Parse(proxy.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get(origin.URL + "/ping")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "pong" {
		t.Errorf("body = %q, want pong", body)
	}

	snap := singleFlow(t, store)
	if snap.Request == nil || snap.Response == nil {
		t.Fatalf("flow missing request/response: %+v", snap)
	}
	if string(snap.Response.Body) != "pong" {
		t.Errorf("recorded response body = %q, want pong", snap.Response.Body)
	}
	if snap.State != flow.StateClosed {
		t.Errorf("flow state = %v, want Closed", snap.State)
	}
}

// TestE2E_HTTPSMITM is spec.md §8 S2: a CONNECT tunnel is MITM'd with a
// freshly minted leaf, the request is relayed to the real origin over
// TLS, and the flow records the origin's certificate chain.
func TestE2E_HTTPSMITM(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("secure"))
	}))
	defer origin.Close()

	authority, err := ca.LoadOrGenerate(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	leafCache := ca.NewLeafCache(authority, 64)

	originPool := x509.NewCertPool()
	originPool.AddCert(origin.Certificate())

	store := flowstore.NewMemory(100)
	defer store.Close()

	h := &mitm.Handler{
		CA:         authority,
		LeafCache:  leafCache,
		HostFilter: mitm.NewHostFilter(nil, nil),
		Store:      store,
		Script:     script.NewHost(0, nil),
		Upstream:   upstream.New(upstream.Options{RootCAs: originPool}),
		Logger:     testLogger(),
		TLSTimeout: 5 * time.Second,
	}

	proxyListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyListener.Close()
	go http.Serve(proxyListener, h)

	proxyURL, _ := url.Parse("http://" + proxyListener.Addr().String())
	caPool := x509.NewCertPool()
	caPool.AddCert(authority.Cert)

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{RootCAs: caPool},
		},
	}

	resp, err := client.Get(origin.URL + "/secure")
	if err != nil {
		t.Fatalf("CONNECT+MITM request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "secure" {
		t.Errorf("body = %q, want secure", body)
	}

	snap := singleFlow(t, store)
	if len(snap.TLSChain) == 0 {
		t.Fatal("expected the flow to record the origin's TLS chain")
	}
	if !snap.TLSChain[0].Equal(origin.Certificate()) {
		t.Error("recorded TLS chain leaf does not match the origin's certificate")
	}
}

// TestE2E_ScriptShortCircuit is spec.md §8 S3: a request hook can answer
// directly without ever dialing the origin.
func TestE2E_ScriptShortCircuit(t *testing.T) {
	var originHit atomic.Bool
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHit.Store(true)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer origin.Close()

	store := flowstore.NewMemory(100)
	defer store.Close()

	scriptHost := script.NewHost(5*time.Second, nil)
	src := `
	function onRequest(req) {
		return { status: 418, headers: {}, body: "teapot" };
	}
	`
	if err := scriptHost.SetScript(context.Background(), script.LanguageJavaScript, src); err != nil {
		t.Fatalf("SetScript: %v", err)
	}

	h := &mitm.Handler{
		Store:    store,
		Script:   scriptHost,
		Upstream: upstream.New(upstream.Options{}),
		Logger:   testLogger(),
	}
	proxy := httptest.NewServer(h)
	defer proxy.Close()

	proxyURL, _ := url.Parse(proxy.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get(origin.URL + "/anything")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 418 {
		t.Errorf("status = %d, want 418", resp.StatusCode)
	}
	if string(body) != "teapot" {
		t.Errorf("body = %q, want teapot", body)
	}
	if originHit.Load() {
		t.Error("origin should never have been contacted for a short-circuited request")
	}

	snap := singleFlow(t, store)
	if snap.State != flow.StateClosed {
		t.Errorf("flow state = %v, want Closed", snap.State)
	}
}

// TestE2E_ScriptBodyRewrite is spec.md §8 S4: a response hook rewrites
// the body and the serialized Content-Length reflects the new length,
// not the origin's.
func TestE2E_ScriptBodyRewrite(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}))
	defer origin.Close()

	store := flowstore.NewMemory(100)
	defer store.Close()

	scriptHost := script.NewHost(5*time.Second, nil)
	src := `
	function onResponse(req, resp) {
		resp.body = "pong [tapped]";
	}
	`
	if err := scriptHost.SetScript(context.Background(), script.LanguageJavaScript, src); err != nil {
		t.Fatalf("SetScript: %v", err)
	}

	h := &mitm.Handler{
		Store:    store,
		Script:   scriptHost,
		Upstream: upstream.New(upstream.Options{}),
		Logger:   testLogger(),
	}
	proxy := httptest.NewServer(h)
	defer proxy.Close()

	proxyURL, _ := url.Parse(proxy.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get(origin.URL + "/ping")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if string(body) != "pong [tapped]" {
		t.Errorf("body = %q, want \"pong [tapped]\"", body)
	}
	if got := resp.Header.Get("Content-Length"); got != "13" {
		t.Errorf("Content-Length = %q, want 13 (recomputed, not the origin's 4)", got)
	}
}

// TestE2E_WebSocketCapture is spec.md §8 S5: every WebSocket frame is
// recorded, in order, before being forwarded.
func TestE2E_WebSocketCapture(t *testing.T) {
	var upgrader = websocket.Upgrader{}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("origin upgrade: %v", err)
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil || string(msg) != "hello" {
			t.Errorf("origin received %q, err %v, want hello", msg, err)
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte("world"))
	}))
	defer origin.Close()

	store := flowstore.NewMemory(100)
	defer store.Close()

	h := &mitm.Handler{
		Store:    store,
		Script:   script.NewHost(0, nil),
		Upstream: upstream.New(upstream.Options{}),
		Logger:   testLogger(),
	}

	proxyListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyListener.Close()
	go http.Serve(proxyListener, h)

	originURL := "ws" + strings.TrimPrefix(origin.URL, "http") + "/chat"
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return net.Dial("tcp", proxyListener.Addr().String())
		},
	}

	clientConn, _, err := dialer.Dial(originURL, nil)
	if err != nil {
		t.Fatalf("client dial through proxy: %v", err)
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
	if string(msg) != "world" {
		t.Errorf("client received %q, want world", msg)
	}

	clientConn.Close()
	time.Sleep(100 * time.Millisecond)

	snap := singleFlow(t, store)
	if len(snap.WSMessages) != 2 {
		t.Fatalf("expected 2 recorded WS frames, got %d", len(snap.WSMessages))
	}
	first, second := snap.WSMessages[0], snap.WSMessages[1]
	if first.Direction != flow.WSClientToServer || string(first.Payload) != "hello" {
		t.Errorf("first frame = %+v, want client->server hello", first)
	}
	if second.Direction != flow.WSServerToClient || string(second.Payload) != "world" {
		t.Errorf("second frame = %+v, want server->client world", second)
	}
}

// TestE2E_ScriptTimeout is spec.md §8 S6: a hook that exceeds its
// budget does not block the flow. It completes with the unmodified
// response, annotated with a script-timeout error, and later flows are
// unaffected.
func TestE2E_ScriptTimeout(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("original"))
	}))
	defer origin.Close()

	store := flowstore.NewMemory(100)
	defer store.Close()

	const hookTimeout = 50 * time.Millisecond
	const spinDuration = 200 * time.Millisecond

	scriptHost := script.NewHost(hookTimeout, nil)
	src := `
	function onRequest(req) {
		var start = Date.now();
		while (Date.now() - start < 200) {}
	}
	`
	if err := scriptHost.SetScript(context.Background(), script.LanguageJavaScript, src); err != nil {
		t.Fatalf("SetScript: %v", err)
	}

	h := &mitm.Handler{
		Store:    store,
		Script:   scriptHost,
		Upstream: upstream.New(upstream.Options{}),
		Logger:   testLogger(),
	}
	proxy := httptest.NewServer(h)
	defer proxy.Close()

	proxyURL, _ := url.Parse(proxy.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get(origin.URL + "/slow")
	if err != nil {
		t.Fatalf("first GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "original" {
		t.Errorf("first response body = %q, want original (unmodified)", body)
	}

	// Let the spinning hook invocation finish and release the shared
	// JS engine before issuing the next request.
	time.Sleep(spinDuration + 150*time.Millisecond)

	resp2, err := client.Get(origin.URL + "/slow")
	if err != nil {
		t.Fatalf("second GET: %v", err)
	}
	body2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	if string(body2) != "original" {
		t.Errorf("second response body = %q, want original", body2)
	}

	ids := store.OrderedIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(ids))
	}
	first, ok := store.Get(ids[0])
	if !ok {
		t.Fatalf("flow %d missing from store", ids[0])
	}
	second, ok := store.Get(ids[1])
	if !ok {
		t.Fatalf("flow %d missing from store", ids[1])
	}

	if first.Error == nil || first.Error.Kind != flow.ErrorScriptTimeout {
		t.Errorf("first flow error = %+v, want a script-timeout error", first.Error)
	}
	if second.Error != nil {
		t.Errorf("second flow error = %+v, want no error (unaffected by the first timeout)", second.Error)
	}
}

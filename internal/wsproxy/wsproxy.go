// Package wsproxy splices a client WebSocket connection to an origin
// WebSocket connection through the MITM tunnel, recording every frame
// (including control frames) to the Flow Store before forwarding it.
// Uses gorilla/websocket on both legs: the upgrader-construction idiom
// is adapted from the teacher's internal/ws package (which used it for
// its own UI-facing flow feed, not for splicing traffic), the client leg
// upgrades the already-MITM'd TLS connection and the origin leg dials
// out fresh.
package wsproxy

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fergdev/roxy/internal/flow"
	"github.com/fergdev/roxy/internal/flowstore"
	"github.com/fergdev/roxy/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsControlWriteTimeout bounds how long writing a forwarded or ack
// control frame may block.
const wsControlWriteTimeout = 5 * time.Second

// Serve upgrades the client's HTTP request to a WebSocket connection,
// dials originURL as a WebSocket client, and splices frames between
// them until either side closes. Every frame is recorded against fl
// before being forwarded.
func Serve(ctx context.Context, store flowstore.Store, fl *flow.Flow, w http.ResponseWriter, r *http.Request, originURL string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer clientConn.Close()
	metrics.RecordFlowCreated("ws")
	defer metrics.RecordFlowClosed()

	originHeader := make(http.Header)
	if r.Header != nil {
		for name, values := range r.Header {
			if isHopByHopWSHeader(name) {
				continue
			}
			originHeader[name] = values
		}
	}

	originConn, _, err := websocket.DefaultDialer.DialContext(ctx, originURL, originHeader)
	if err != nil {
		fl.SetError(flow.ErrorIO, err.Error())
		store.PostEvent(ctx, fl, flowstore.EventFlowFailed)
		return err
	}
	defer originConn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)
	go func() {
		splice(ctx, store, fl, flow.WSClientToServer, clientConn, originConn, logger)
		done <- struct{}{}
	}()
	go func() {
		splice(ctx, store, fl, flow.WSServerToClient, originConn, clientConn, logger)
		done <- struct{}{}
	}()

	<-done
	cancel()
	<-done

	fl.SetState(flow.StateClosed)
	closedAt := time.Now()
	fl.Timing.Set(flow.TimingClientConnClosed, closedAt)
	fl.Timing.Set(flow.TimingServerConnClosed, closedAt)
	store.PostEvent(ctx, fl, flowstore.EventFlowClosed)
	return nil
}

func wsDirectionLabel(dir flow.WSDirection) string {
	if dir == flow.WSServerToClient {
		return "server_to_client"
	}
	return "client_to_server"
}

func isHopByHopWSHeader(name string) bool {
	switch name {
	case "Connection", "Upgrade", "Sec-Websocket-Key", "Sec-Websocket-Version",
		"Sec-Websocket-Extensions", "Sec-Websocket-Accept":
		return true
	default:
		return false
	}
}

// splice copies frames from src to dst, recording each one against fl in
// direction dir before forwarding it verbatim (including control
// frames). Returns once src is closed, an error occurs, or ctx is
// cancelled by the peer goroutine terminating first.
//
// gorilla/websocket's default Ping/Pong/Close handlers reply on src
// directly and never surface the frame to ReadMessage, so control
// frames would otherwise be swallowed instead of logged and relayed to
// dst. Installing explicit handlers here is what lets ping/pong/close
// show up in fl.WSMessages and reach the other leg.
func splice(ctx context.Context, store flowstore.Store, fl *flow.Flow, dir flow.WSDirection, src, dst *websocket.Conn, logger *slog.Logger) {
	record := func(opcode int, payload []byte) {
		fl.AppendWSMessage(flow.WSMessage{
			Direction: dir,
			Opcode:    opcode,
			Payload:   append([]byte(nil), payload...),
			At:        time.Now(),
		})
		store.PostEvent(ctx, fl, flowstore.EventWSMessage)
		metrics.RecordWSMessage(wsDirectionLabel(dir))
	}

	src.SetPingHandler(func(appData string) error {
		record(websocket.PingMessage, []byte(appData))
		deadline := time.Now().Add(wsControlWriteTimeout)
		if err := src.WriteControl(websocket.PongMessage, []byte(appData), deadline); err != nil && err != websocket.ErrCloseSent {
			return err
		}
		if err := dst.WriteControl(websocket.PingMessage, []byte(appData), deadline); err != nil {
			logger.Debug("wsproxy: forwarding ping failed", "flow_id", fl.ID, "error", err)
		}
		return nil
	})
	src.SetPongHandler(func(appData string) error {
		record(websocket.PongMessage, []byte(appData))
		if err := dst.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsControlWriteTimeout)); err != nil {
			logger.Debug("wsproxy: forwarding pong failed", "flow_id", fl.ID, "error", err)
		}
		return nil
	})
	src.SetCloseHandler(func(code int, text string) error {
		record(websocket.CloseMessage, []byte(text))
		closeMsg := websocket.FormatCloseMessage(code, text)
		deadline := time.Now().Add(wsControlWriteTimeout)
		if err := dst.WriteControl(websocket.CloseMessage, closeMsg, deadline); err != nil {
			logger.Debug("wsproxy: forwarding close failed", "flow_id", fl.ID, "error", err)
		}
		src.WriteControl(websocket.CloseMessage, closeMsg, deadline)
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgType, payload, err := src.ReadMessage()
		if err != nil {
			return
		}

		record(msgType, payload)

		if err := dst.WriteMessage(msgType, payload); err != nil {
			logger.Debug("wsproxy: forwarding frame failed", "flow_id", fl.ID, "error", err)
			return
		}
	}
}

package gateway

import (
	"context"
	"log"
	"time"

	"github.com/example/realtime-chat/modules/chat"
	"github.com/example/realtime-chat/protocol"
	"github.com/gofiber/contrib/websocket"
)

// handleWebSocket handles WebSocket connections at /ws. The read loop feeds
// inbound frames to the supervised connection; writePump owns every write.
func (m *GatewayModule) handleWebSocket(ws *websocket.Conn) {
	conn, err := m.core.Accept()
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseGoingAway, err.Error()),
			time.Now().Add(m.config.WriteWait))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerDone := make(chan struct{})
	go m.writePump(ws, conn, writerDone)
	defer func() {
		conn.Disconnect()
		<-writerDone
	}()

	ws.SetReadLimit(m.config.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(m.config.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(m.config.PongWait))
	})

	m.logger.Debug("WebSocket client connected", "connID", conn.ID, "remote", ws.RemoteAddr().String())

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				select {
				case <-conn.Done():
				default:
					log.Printf("[gateway] Read error from %s: %v", conn.ID, err)
				}
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(m.config.PongWait))

		if err := conn.HandleFrame(ctx, data); err != nil {
			return
		}
	}
}

// writePump writes queued frames and keepalive pings until the connection is
// closed, then sends the close frame and unblocks the reader.
func (m *GatewayModule) writePump(ws *websocket.Conn, conn *chat.Connection, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	write := func(frame []byte) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(m.config.WriteWait))
		return ws.WriteMessage(websocket.TextMessage, frame) == nil
	}

	for {
		select {
		case frame := <-conn.Outbound():
			if !write(frame) {
				conn.Disconnect()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(m.config.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Disconnect()
				return
			}
		case <-conn.Done():
			m.closeTransport(ws, conn, write)
			return
		}
	}
}

// closeTransport flushes frames queued before the close, such as auth:error,
// then sends the close frame with the connection's code and reason.
func (m *GatewayModule) closeTransport(ws *websocket.Conn, conn *chat.Connection, write func([]byte) bool) {
flush:
	for {
		select {
		case frame := <-conn.Outbound():
			if !write(frame) {
				break flush
			}
		default:
			break flush
		}
	}

	code, reason := conn.CloseReason()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(m.config.WriteWait))
	_ = ws.Close()
	m.logger.Debug("WebSocket client disconnected", "connID", conn.ID, "code", code, "reason", reason)
}

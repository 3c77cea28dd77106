package gateway

import (
	"context"
	"net"
	"net/http"
	"time"

	"PPGateway/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	pingInterval = 25 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }}

// HandleWS upgrades the request and runs the session until the socket dies.
// One goroutine pair per connection: this read loop plus the writer pump.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[WS] upgrade error: %v", err)
		return
	}

	sess := s.registry.Register(ws)
	ws.SetPongHandler(func(string) error {
		s.registry.Heartbeat(sess.ID)
		return nil
	})
	go s.writePump(sess)

	s.readLoop(sess)
}

// readLoop is the only reader of the socket. Every inbound frame refreshes
// the heartbeat; exit always converges on the teardown cascade.
func (s *Server) readLoop(sess *Session) {
	ws := sess.conn
	defer s.teardownSession(sess, "connection closed")

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[WS] peer closed session=%s err=%v", sess.ID, rerr)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[WS] read timeout session=%s err=%v", sess.ID, rerr)
			} else {
				logger.Infof("[WS] read err session=%s err=%v", sess.ID, rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.registry.Heartbeat(sess.ID)

		if !s.HandleFrame(context.Background(), sess, data) {
			return
		}
	}
}

// writePump is the only writer of the socket. It drains the session queue,
// keeps the ping ticker, and closes the socket once the session is done.
func (s *Server) writePump(sess *Session) {
	ws := sess.conn
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = ws.Close()
	}()

	for {
		select {
		case <-sess.Done():
			return
		case payload := <-sess.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Infof("[WS] write err session=%s err=%v", sess.ID, err)
				s.teardownSession(sess, "write error")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				logger.Infof("[WS] ping err session=%s err=%v", sess.ID, err)
				s.teardownSession(sess, "ping error")
				return
			}
		}
	}
}

package observer

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStream sends the current snapshot, then a new one after every
// change, and closes the connection after the final snapshot of the run.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	changes, unsubscribe := s.source.Subscribe()
	defer unsubscribe()

	// The client never sends data; reading detects when it goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		snap := s.source.Snapshot()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(snap); err != nil {
			s.logger.Debug("stream client dropped", zap.Error(err))
			return
		}
		if snap.Done {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}

		if !waitForChange(c, conn, changes, gone, ping.C) {
			return
		}
	}
}

// waitForChange blocks until the run changes, pinging the client while it
// waits. It returns false when the stream should end.
func waitForChange(c *gin.Context, conn *websocket.Conn, changes <-chan struct{}, gone <-chan struct{}, ping <-chan time.Time) bool {
	for {
		select {
		case _, ok := <-changes:
			return ok
		case <-ping:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return false
			}
		case <-gone:
			return false
		case <-c.Request.Context().Done():
			return false
		}
	}
}

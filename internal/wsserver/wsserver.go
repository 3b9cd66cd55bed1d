// Package wsserver contains the websocket frame push transport.
package wsserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/screenrelay/screenrelay/internal/logger"
	"github.com/screenrelay/screenrelay/internal/metrics"
	"github.com/screenrelay/screenrelay/internal/registry"
	"github.com/screenrelay/screenrelay/internal/scheduler"
)

// metricsEvery is the number of frame notifications between pushed metrics
// snapshots.
const metricsEvery = 60

const (
	writeTimeout = 10 * time.Second

	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 70 * time.Second
)

// clientMessage is a message received from a consumer.
type clientMessage struct {
	Type    string `json:"type"`
	Quality int    `json:"quality,omitempty"`
}

type frameMessage struct {
	Type string `json:"type"`
	scheduler.FrameNotification
}

type metricsMessage struct {
	Type string `json:"type"`
	metrics.Snapshot
}

// Server upgrades API requests to websocket connections that receive one
// notification per produced frame and a metrics snapshot every
// metricsEvery frames.
type Server struct {
	Registry *registry.Registry
	Parent   logger.Writer

	upgrader websocket.Upgrader

	// keepalive cadence; a consumer that misses pongTimeout is dropped
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// Initialize prepares the server.
func (s *Server) Initialize() {
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	if s.pingInterval == 0 {
		s.pingInterval = defaultPingInterval
	}
	if s.pongTimeout == 0 {
		s.pongTimeout = defaultPongTimeout
	}
}

// Log implements logger.Writer.
func (s *Server) Log(level logger.Level, format string, args ...any) {
	s.Parent.Log(level, "[ws] "+format, args...)
}

// Handle serves one websocket consumer. It is mounted on the API router.
func (s *Server) Handle(ctx *gin.Context) {
	streamID := ctx.Param("id")

	ch, cancel, err := s.Registry.Subscribe(streamID)
	if err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		s.Log(logger.Warn, "upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.Log(logger.Info, "consumer %s connected to stream %s", conn.RemoteAddr(), streamID)
	defer s.Log(logger.Info, "consumer %s disconnected", conn.RemoteAddr())

	closed := make(chan struct{})
	go s.readLoop(conn, streamID, closed)

	pinger := time.NewTicker(s.pingInterval)
	defer pinger.Stop()

	var sent uint64

	for {
		select {
		case <-pinger.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}

		case notif, ok := <-ch:
			if !ok {
				// stream stopped
				deadline := time.Now().Add(writeTimeout)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream stopped"),
					deadline)
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(frameMessage{Type: "frame", FrameNotification: notif}); err != nil {
				return
			}

			sent++
			if sent%metricsEvery == 0 {
				if snap, err := s.Registry.Snapshot(streamID); err == nil {
					conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteJSON(metricsMessage{Type: "metrics", Snapshot: snap}); err != nil {
						return
					}
				}
			}

		case <-closed:
			return
		}
	}
}

// readLoop consumes client messages until the connection drops, the client
// stops answering pings or the client asks to stop.
func (s *Server) readLoop(conn *websocket.Conn, streamID string, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.Log(logger.Warn, "bad message from consumer: %v", err)
			continue
		}

		switch msg.Type {
		case "adjust_quality":
			if err := s.Registry.SetQuality(streamID, msg.Quality); err != nil {
				s.Log(logger.Warn, "adjust_quality: %v", err)
			}

		case "stop":
			return
		}
	}
}

// Package api contains the HTTP control and fetch surface.
package api

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"

	"github.com/screenrelay/screenrelay/internal/conf"
	"github.com/screenrelay/screenrelay/internal/logger"
	"github.com/screenrelay/screenrelay/internal/registry"
	"github.com/screenrelay/screenrelay/internal/rescache"
	"github.com/screenrelay/screenrelay/internal/scheduler"
)

// Server is the HTTP API server. It also hosts the SSE frame feed and, when
// enabled, the pprof endpoints.
type Server struct {
	Address  string
	PPROF    bool
	Registry *registry.Registry
	Cache    *rescache.Cache
	Parent   logger.Writer

	// WSHandler, when set, serves websocket upgrades on
	// /v1/streams/:id/ws.
	WSHandler gin.HandlerFunc

	startTime  time.Time
	listener   net.Listener
	httpServer *http.Server
}

// Initialize starts listening.
func (s *Server) Initialize() error {
	s.startTime = time.Now()

	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	group := router.Group("/v1")
	group.POST("/streams", s.onStreamCreate)
	group.GET("/streams", s.onStreamList)
	group.GET("/streams/:id", s.onStreamGet)
	group.DELETE("/streams/:id", s.onStreamDelete)
	group.POST("/streams/:id/start", s.onStreamStart)
	group.POST("/streams/:id/stop", s.onStreamStop)
	group.GET("/streams/:id/metrics", s.onStreamMetrics)
	group.GET("/streams/:id/events", s.onStreamEvents)
	group.GET("/resources/:id", s.onResourceGet)

	if s.WSHandler != nil {
		group.GET("/streams/:id/ws", s.WSHandler)
	}

	router.GET("/health", s.onHealth)

	if s.PPROF {
		pprof.Register(router)
	}

	s.httpServer = &http.Server{Handler: router}
	go s.httpServer.Serve(s.listener)

	s.Log(logger.Info, "listener opened on %s", s.Address)

	return nil
}

// Close shuts the server down.
func (s *Server) Close() {
	s.httpServer.Close()
}

// Log implements logger.Writer.
func (s *Server) Log(level logger.Level, format string, args ...any) {
	s.Parent.Log(level, "[api] "+format, args...)
}

func (s *Server) writeError(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, conf.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, rescache.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrTooManyStreams):
		status = http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrNotRestartable):
		status = http.StatusConflict
	}

	if status >= http.StatusInternalServerError {
		s.Log(logger.Error, "%s %s: %v", ctx.Request.Method, ctx.Request.URL.Path, err)
	}

	ctx.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) onStreamCreate(ctx *gin.Context) {
	// decode over a copy of the defaults, so that omitted fields
	// (including booleans) inherit the configured values
	sc := s.Registry.StreamDefaults()
	if err := ctx.ShouldBindJSON(&sc); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.Registry.Create(sc)
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	info, err := s.Registry.Get(id)
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, info)
}

func (s *Server) onStreamList(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"streams": s.Registry.List()})
}

func (s *Server) onStreamGet(ctx *gin.Context) {
	info, err := s.Registry.Get(ctx.Param("id"))
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, info)
}

func (s *Server) onStreamDelete(ctx *gin.Context) {
	if err := s.Registry.Delete(ctx.Param("id")); err != nil {
		s.writeError(ctx, err)
		return
	}
	ctx.Status(http.StatusOK)
}

func (s *Server) onStreamStart(ctx *gin.Context) {
	if err := s.Registry.Start(ctx.Param("id")); err != nil {
		s.writeError(ctx, err)
		return
	}
	ctx.Status(http.StatusOK)
}

func (s *Server) onStreamStop(ctx *gin.Context) {
	if err := s.Registry.Stop(ctx.Param("id")); err != nil {
		s.writeError(ctx, err)
		return
	}
	ctx.Status(http.StatusOK)
}

func (s *Server) onStreamMetrics(ctx *gin.Context) {
	snap, err := s.Registry.Snapshot(ctx.Param("id"))
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, snap)
}

// onStreamEvents streams frame notifications as server-sent events for
// consumers that cannot hold a websocket.
func (s *Server) onStreamEvents(ctx *gin.Context) {
	ch, cancel, err := s.Registry.Subscribe(ctx.Param("id"))
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	defer cancel()

	ctx.Header("Content-Type", "text/event-stream")
	ctx.Header("Cache-Control", "no-cache")

	for {
		select {
		case notif, ok := <-ch:
			if !ok {
				return
			}
			ctx.SSEvent("frame", notif)
			ctx.Writer.Flush()

		case <-ctx.Request.Context().Done():
			return
		}
	}
}

func (s *Server) onResourceGet(ctx *gin.Context) {
	uri := rescache.URIPrefix + ctx.Param("id")

	res, err := s.Cache.Get(uri)
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	encoding := rescache.Encoding(ctx.DefaultQuery("encoding", string(rescache.EncodingBinary)))

	payload, err := s.Cache.GetEncoded(uri, encoding)
	if err != nil {
		if !errors.Is(err, rescache.ErrNotFound) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.writeError(ctx, err)
		return
	}

	if encoding == rescache.EncodingBase64 {
		ctx.Data(http.StatusOK, "text/plain; charset=utf-8", payload)
		return
	}
	ctx.Data(http.StatusOK, res.MIMEType, payload)
}

func (s *Server) onHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
		"activeStreams": s.Registry.ActiveCount(),
		"cache":         s.Cache.Stats(),
	})
}

package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"greenhouse/internal/actionqueue"
	"greenhouse/internal/db"
	"greenhouse/internal/fanout"
)

// Server is the boundary surface the external API layer and operator
// tooling consume: manual command enqueue, rule/execution/queue reads,
// dead-letter inspection and replay, and the live event stream.
type Server struct {
	router *gin.Engine
	http   *http.Server
	logger *zap.Logger
}

// NewServer wires the routes.
func NewServer(store *db.DB, queue *actionqueue.Queue, hub *fanout.Hub, jwtSecret string, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api", authMiddleware(jwtSecret))
	h := &handlers{store: store, queue: queue, logger: logger}

	api.POST("/commands", h.enqueueCommand)
	api.GET("/rules", h.listRules)
	api.GET("/rules/:id/executions", h.listExecutions)
	api.GET("/events", hub.Handler())

	ops := api.Group("", adminOnly())
	ops.GET("/queue/stats", h.queueStats)
	ops.GET("/queue/dead", h.listDeadLetters)
	ops.POST("/queue/dead/:id/replay", h.replayDeadLetter)

	return &Server{router: router, logger: logger}
}

// Start serves until Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}
	s.logger.Info("http surface listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() {
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.http.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

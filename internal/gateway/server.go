// Package gateway pushes routed market messages to websocket clients.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"quoteflow/config"
	"quoteflow/internal/metrics"
	"quoteflow/internal/router"
	"quoteflow/logger"
	"quoteflow/models"
)

const (
	defaultClientQueue = 1000
	defaultPingPeriod  = 30 * time.Second
	writeWait          = 5 * time.Second
	maxMessageSize     = 64 * 1024
)

// Source hands out one broadcast handle per category.
type Source interface {
	Subscribe(c models.Category) router.Handle
}

// Control executes client subscribe requests. Nil disables them.
type Control interface {
	Subscribe(ctx context.Context, provider string, sub models.Subscription) error
	Unsubscribe(ctx context.Context, provider string, sub models.Subscription) error
}

// Server accepts websocket clients on GET /ws.
type Server struct {
	cfg      config.GatewayConfig
	source   Source
	control  Control
	upgrader websocket.Upgrader
	log      *logger.Entry

	mu      sync.Mutex
	clients map[string]*client
	wg      sync.WaitGroup
}

func NewServer(cfg config.GatewayConfig, source Source, control Control) *Server {
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = defaultClientQueue
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	return &Server{
		cfg:     cfg,
		source:  source,
		control: control,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     logger.GetLogger().WithComponent("gateway"),
		clients: make(map[string]*client),
	}
}

// Register mounts the websocket route on r.
func (s *Server) Register(r gin.IRoutes) {
	r.GET("/ws", s.handleWS)
}

// Handler returns a gin engine serving only the gateway.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	s.Register(engine)
	return engine
}

// Run listens on the configured address until ctx is done, then closes all
// clients.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Address, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("address", s.cfg.Address).Info("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		<-errCh
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err := <-errCh:
		s.Close()
		return err
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client and waits for their tasks to end.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.cancel()
	}
	s.wg.Wait()
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	cl := newClient(s, uuid.NewString(), conn)
	s.mu.Lock()
	s.clients[cl.id] = cl
	s.mu.Unlock()
	metrics.GatewayClientConnected()
	s.log.WithFields(logger.Fields{"client": cl.id, "remote": c.Request.RemoteAddr}).Info("client connected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cl.serve()
		s.mu.Lock()
		delete(s.clients, cl.id)
		s.mu.Unlock()
		metrics.GatewayClientDisconnected()
	}()
}

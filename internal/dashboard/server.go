package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"quoteflow/config"
	"quoteflow/internal/metrics"
	"quoteflow/internal/router"
	"quoteflow/logger"
	"quoteflow/models"
)

// Connections lists the provider connection snapshots.
type Connections interface {
	AllMetrics() []models.ConnectionMetrics
}

// RouterStats exposes the broadcast counters and the topic registry.
type RouterStats interface {
	Stats() router.Stats
	ActiveTopics() []models.Topic
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Alerts reads the newest persisted alerts.
type Alerts interface {
	ListAlerts(ctx context.Context, limit int) ([]models.MonitorAlert, error)
}

// Sources feeds the read-only endpoints. Nil members are reported as empty.
type Sources struct {
	Connections Connections
	Router      RouterStats
	Store       Pinger
	Alerts      Alerts
	// MonitorError returns the last alert persistence failure.
	MonitorError func() error
}

// Server hosts the read-only observability API.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	sources         Sources
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
	started         time.Time
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, sources Sources) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		sources:         sources,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.SampleInterval, "/", log),
		started:         time.Now(),
	}, nil
}

// Run starts the dashboard HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	engine, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if err := engine.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	engine.GET("/api/health", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{
			"app":            appName,
			"status":         "ok",
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
		}
		if s.sources.Store != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			err := s.sources.Store.Ping(ctx)
			cancel()
			if err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body["store_error"] = err.Error()
			}
		}
		if s.sources.MonitorError != nil {
			if err := s.sources.MonitorError(); err != nil {
				body["monitor_error"] = err.Error()
			}
		}
		c.JSON(status, body)
	})

	engine.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.byComponent(c.Query("component"))
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	engine.GET("/api/logs", func(c *gin.Context) {
		logsSnapshot := s.logStore.snapshot()
		if lvl := c.Query("level"); lvl != "" {
			level, err := logrus.ParseLevel(lvl)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			logsSnapshot = s.logStore.atLeast(level)
		}
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	engine.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	engine.GET("/api/connections", func(c *gin.Context) {
		conns := []models.ConnectionMetrics{}
		if s.sources.Connections != nil {
			conns = append(conns, s.sources.Connections.AllMetrics()...)
		}
		c.JSON(http.StatusOK, gin.H{"connections": conns})
	})

	engine.GET("/api/router", func(c *gin.Context) {
		if s.sources.Router == nil {
			c.JSON(http.StatusOK, gin.H{"streams": gin.H{}, "dropped": 0, "topics": []string{}})
			return
		}
		stats := s.sources.Router.Stats()
		topics := []string{}
		for _, t := range s.sources.Router.ActiveTopics() {
			topics = append(topics, t.String())
		}
		c.JSON(http.StatusOK, gin.H{
			"streams": stats.Streams,
			"dropped": stats.Dropped,
			"topics":  topics,
		})
	})

	engine.GET("/api/alerts", func(c *gin.Context) {
		if s.sources.Alerts == nil {
			c.JSON(http.StatusOK, gin.H{"alerts": []models.MonitorAlert{}})
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		alerts, err := s.sources.Alerts.ListAlerts(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if alerts == nil {
			alerts = []models.MonitorAlert{}
		}
		c.JSON(http.StatusOK, gin.H{"alerts": alerts})
	})

	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	return engine, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}

// Package httpapi exposes the read-only operational surface: health, open
// positions, regime state, and daily metrics.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"kairos/internal/domain"
	"kairos/internal/logger"
	"kairos/internal/store/gormstore"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const defaultMetricsDays = 30

// Store is the read surface the API serves from.
type Store interface {
	Ping() error
	OpenPositions() ([]domain.Position, error)
	LatestRegime(symbol string) (*domain.RegimeDecision, error)
	DailyMetrics(limit int) ([]gormstore.DailyMetric, error)
}

// Pending reports events queued on the bus and not yet dispatched.
type Pending interface {
	PendingCount() int
}

// Server serves the JSON status API over gin.
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig describes the API server dependencies.
type ServerConfig struct {
	Addr    string
	Store   Store
	Bus     Pending
	Symbols []string
}

// NewServer builds the API server and registers all routes.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("http server requires a store")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", healthHandler(cfg.Store, cfg.Bus))

	api := router.Group("/api")
	api.GET("/status", statusHandler(cfg.Store, cfg.Symbols))
	api.GET("/metrics/daily", dailyHandler(cfg.Store))
	api.GET("/metrics/daily/chart", dailyChartHandler(cfg.Store))

	return &Server{addr: cfg.Addr, router: router}, nil
}

// Run serves until ctx is canceled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("http: listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func healthHandler(store Store, bus Pending) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		pending := 0
		if bus != nil {
			pending = bus.PendingCount()
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "busPending": pending})
	}
}

func statusHandler(store Store, symbols []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		positions, err := store.OpenPositions()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		regimes := make(map[string]*domain.RegimeDecision, len(symbols))
		for _, symbol := range symbols {
			decision, err := store.LatestRegime(symbol)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if decision != nil {
				regimes[symbol] = decision
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"openPositions": positions,
			"regimes":       regimes,
		})
	}
}

func dailyHandler(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := store.DailyMetrics(defaultMetricsDays)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"days": rows})
	}
}

func dailyChartHandler(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := store.DailyMetrics(defaultMetricsDays)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// Rows come back newest first; the chart reads left to right.
		days := make([]string, 0, len(rows))
		totals := make([]opts.BarData, 0, len(rows))
		for i := len(rows) - 1; i >= 0; i-- {
			days = append(days, rows[i].Day)
			totals = append(totals, opts.BarData{Value: rows[i].TotalR})
		}

		bar := charts.NewBar()
		bar.SetGlobalOptions(
			charts.WithTitleOpts(opts.Title{Title: "Daily realized R", Left: "left"}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
			charts.WithXAxisOpts(opts.XAxis{Type: "category"}),
			charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
		)
		bar.SetXAxis(days)
		bar.AddSeries("totalR", totals)

		c.Header("Content-Type", "text/html; charset=utf-8")
		if err := bar.Render(c.Writer); err != nil {
			logger.Warnf("http: render daily chart: %v", err)
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		dur := time.Since(start)
		status := c.Writer.Status()
		logger.Debugf("http: %s %s -> %d (%s)", method, path, status, dur.Truncate(time.Millisecond))
	}
}

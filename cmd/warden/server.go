package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"

	"github.com/dhruvmish/moderation-agent/moderation/ledger"
	"github.com/dhruvmish/moderation-agent/moderation/report"
)

// Server is the admin HTTP API: health, on-demand reports, incident lookup.
type Server struct {
	echo    *echo.Echo
	httpd   *http.Server
	logger  *slog.Logger
	reports *report.Synthesizer
	ledger  ledger.Ledger
}

// request metrics register with the default registry, which only allows it once
var httpMetrics = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("warden")
})

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func NewServer(reports *report.Synthesizer, led ledger.Ledger, logger *slog.Logger, bind, adminToken string) *Server {
	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		echo:    e,
		logger:  logger,
		reports: reports,
		ledger:  led,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(httpMetrics())
	e.Use(middleware.BodyLimit("1M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)

	admin := e.Group("/admin")
	if adminToken != "" {
		admin.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(adminToken)) == 1, nil
		}))
	}
	admin.POST("/report/:channel", srv.HandleChannelReport)
	admin.POST("/reports", srv.HandleScheduledReports)
	admin.GET("/incidents", srv.HandleListIncidents)
	admin.GET("/watermark/:channel", srv.HandleGetWatermark)

	return srv
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// RunAPI blocks until the server is shut down.
func (srv *Server) RunAPI() error {
	srv.logger.Info("starting admin server", "bind", srv.httpd.Addr)
	if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.httpd.Shutdown(ctx)
}

func newMetricsServer(listen string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("warden-http-internal-error", "err", err)
	}
	c.JSON(code, GenericStatus{Status: "error", Daemon: "warden", Message: errorMessage})
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "warden", Message: versioninfo.Short()})
}

type digestSummary struct {
	Scope     string         `json:"scope"`
	Title     string         `json:"title"`
	ChannelID string         `json:"channel,omitempty"`
	From      time.Time      `json:"from"`
	To        time.Time      `json:"to"`
	Total     int            `json:"total"`
	Serious   int            `json:"serious"`
	ByTier    map[string]int `json:"by_tier"`
	File      string         `json:"file"`
}

func summarize(d *report.Digest) digestSummary {
	return digestSummary{
		Scope:     string(d.Scope),
		Title:     d.Title,
		ChannelID: d.ChannelID,
		From:      d.From,
		To:        d.To,
		Total:     d.Total,
		Serious:   d.Serious(),
		ByTier:    d.ByTier,
		File:      report.FileName(d),
	}
}

func (srv *Server) HandleChannelReport(c echo.Context) error {
	ch := c.Param("channel")
	d, err := srv.reports.ChannelReport(c.Request().Context(), ch)
	if err != nil {
		return fmt.Errorf("channel report for %s: %w", ch, err)
	}
	if d == nil {
		return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "warden", Message: "no new incidents"})
	}
	return c.JSON(http.StatusOK, summarize(d))
}

func (srv *Server) HandleScheduledReports(c echo.Context) error {
	digests, err := srv.reports.ScheduledReports(c.Request().Context())
	out := make([]digestSummary, 0, len(digests))
	for _, d := range digests {
		out = append(out, summarize(d))
	}
	if err != nil {
		srv.logger.Error("some channel reports failed", "err", err)
		return c.JSON(http.StatusMultiStatus, map[string]any{"reports": out, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"reports": out})
}

func (srv *Server) HandleListIncidents(c echo.Context) error {
	f := ledger.Filter{
		ChannelID:  c.QueryParam("channel"),
		UserIDHash: c.QueryParam("user"),
		Limit:      100,
	}
	if a := c.QueryParam("action"); a != "" {
		f.Actions = []string{a}
	}
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		f.Limit = n
	}
	if s := c.QueryParam("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be an RFC3339 timestamp")
		}
		f.CreatedAfter = t
	}
	incs, err := srv.ledger.Query(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"incidents": incs})
}

func (srv *Server) HandleGetWatermark(c echo.Context) error {
	wm, err := srv.ledger.GetWatermark(c.Request().Context(), c.Param("channel"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wm)
}

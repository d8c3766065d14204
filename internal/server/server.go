package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"llm-gateway/internal/config"
	"llm-gateway/internal/metrics"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/router"
)

const (
	// ChatPath is the single proxied endpoint.
	ChatPath = "/api/v1/chat/completions"

	shutdownGracePeriod = 10 * time.Second
	greetingTimeLayout  = "2006-01-02 15:04:05"
)

type Server struct {
	cfg     config.Config
	backend provider.BackendID
	router  *router.Router
	metrics *metrics.Collector
	logger  *slog.Logger
	app     *echo.Echo
	address string
	now     func() time.Time
}

// New constructs an HTTP server wired with routing and middleware. The active
// backend is taken from cfg and fixed for the server's lifetime.
func New(cfg config.Config, rt *router.Router, collector *metrics.Collector, logger *slog.Logger) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		cfg:     cfg,
		backend: cfg.BackendID(),
		router:  rt,
		metrics: collector,
		logger:  logger,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
		now:     time.Now,
	}
	e.HTTPErrorHandler = srv.handleError

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogRemoteIP:  true,
		LogUserAgent: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				"request_id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"remote_ip", v.RemoteIP,
				"user_agent", v.UserAgent,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.printStartupBanner()
	s.logger.Info("starting server", "addr", s.address, "backend", string(s.backend))

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleRoot)
	s.app.GET("/health", s.handleHealth)
	s.app.POST(ChatPath, s.handleChatCompletions)
	if s.cfg.Metrics.Enabled && s.metrics != nil {
		s.app.GET(s.cfg.Metrics.Path, echo.WrapHandler(s.metrics.Handler()))
	}
}

func (s *Server) handleRoot(c echo.Context) error {
	now := s.now().Format(greetingTimeLayout)
	req := c.Request()
	s.logger.Info("root visited",
		"time", now,
		"remote_ip", c.RealIP(),
		"user_agent", req.UserAgent(),
		"uri", req.RequestURI,
		"method", req.Method,
	)
	return c.String(http.StatusOK, "Hello World! Current time: "+now)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": string(s.backend),
	})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req models.ChatRequest
	if err := decodeRequestBody(c, &req, s.cfg.Server.MaxBodyBytes); err != nil {
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	res.Header().Set("Cache-Control", "no-cache")

	if _, err := s.router.Chat(c.Request().Context(), s.backend, req, c.Request().Header, res); err != nil {
		return err
	}
	if !res.Committed {
		res.WriteHeader(http.StatusOK)
	}
	return nil
}

func decodeRequestBody[T any](c echo.Context, target *T, limit int64) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return invalidRequest("request body is required")
		case errors.As(err, &tooLarge):
			return invalidRequest(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		default:
			return invalidRequest(fmt.Sprintf("invalid JSON payload: %v", err))
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return invalidRequest("request body must contain a single JSON object")
	}
	return nil
}

func invalidRequest(message string) requestError {
	return requestError{
		Status:  http.StatusInternalServerError,
		Message: message,
		Type:    router.KindInvalidRequest,
	}
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	return c.JSON(status, payload)
}

// handleError turns every failure into the JSON error envelope. Once stream
// bytes have reached the caller the status line is gone, so the failure is
// only logged and the stream simply ends.
func (s *Server) handleError(err error, c echo.Context) {
	requestID := c.Response().Header().Get(echo.HeaderXRequestID)

	if c.Response().Committed {
		s.logger.Warn("stream terminated after response was committed",
			"request_id", requestID,
			"kind", router.Classify(err),
			"error", err,
		)
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type)
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		_ = writeError(c, httpErr.Code, fmt.Sprint(httpErr.Message), router.KindInvalidRequest)
		return
	}

	_ = writeError(c, http.StatusInternalServerError, err.Error(), router.Classify(err))
}

func (s *Server) printStartupBanner() {
	host := "127.0.0.1"
	port := s.cfg.Server.Port
	fmt.Println()
	fmt.Println("llm-gateway ready")
	fmt.Printf("Listening on http://%s:%d (backend %s)\n", host, port, s.backend)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /")
	fmt.Println("  GET  /health")
	fmt.Printf("  POST %s\n", ChatPath)
	if s.cfg.Metrics.Enabled && s.metrics != nil {
		fmt.Printf("  GET  %s\n", s.cfg.Metrics.Path)
	}
	fmt.Printf("Example:\n  curl http://%s:%d%s -H 'Content-Type: application/json' -d '{\"model\":\"any\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port, ChatPath)
}

// Package http serves the turn engine over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/catalog"
	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/fyrsmithlabs/turnd/internal/orchestrator"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"github.com/fyrsmithlabs/turnd/internal/store"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Engine is the part of the orchestrator the server needs.
type Engine interface {
	Turn(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	Session(ctx context.Context, id string) (*session.Session, error)
	Catalog() *catalog.Catalog
}

// Server provides HTTP endpoints for turnd.
type Server struct {
	echo    *echo.Echo
	engine  Engine
	history store.HistoryStore
	logger  *logging.Logger
	config  *Config
	now     func() time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// HistoryLimit caps the messages handed to a turn. Zero means all.
	HistoryLimit int
}

// NewServer creates a new HTTP server.
func NewServer(engine Engine, history store.HistoryStore, logger *logging.Logger, cfg *Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if history == nil {
		return nil, fmt.Errorf("history store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:         "localhost",
			Port:         8080,
			HistoryLimit: 50,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s := &Server{
		echo:    e,
		engine:  engine,
		history: history,
		logger:  logger.Named("http"),
		config:  cfg,
		now:     time.Now,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.GET("/modules", s.handleModules)
	v1.POST("/conversations/:id/turns", s.handleTurn)
	v1.GET("/conversations/:id/session", s.handleSession)
	v1.GET("/conversations/:id/messages", s.handleMessages)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleModules(c echo.Context) error {
	return c.JSON(http.StatusOK, ModulesResponse{Modules: s.engine.Catalog().List()})
}

// handleTurn stores the user message, runs one turn and stores the reply.
// When the turn aborts, the user message is marked failed so a resend
// starts clean.
func (s *Server) handleTurn(c echo.Context) error {
	id, err := conversationID(c)
	if err != nil {
		return err
	}

	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid turn request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message field is required")
	}

	ctx := logging.WithConversationID(c.Request().Context(), id)
	msgID, err := s.history.AppendMessage(ctx, id, session.Message{
		Role:      session.RoleUser,
		Content:   req.Message,
		Timestamp: s.now(),
	})
	if err != nil {
		s.logger.Error(ctx, "store user message failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store message")
	}

	history, err := s.history.History(ctx, id, s.config.HistoryLimit)
	if err != nil {
		s.abort(ctx, id, msgID)
		s.logger.Error(ctx, "load history failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load history")
	}

	res, err := s.engine.Turn(ctx, orchestrator.Request{
		ConversationID: id,
		Message:        req.Message,
		History:        history,
	})
	if err != nil {
		s.abort(ctx, id, msgID)
		return turnHTTPError(err)
	}

	if _, err := s.history.AppendMessage(ctx, id, session.Message{
		Role:      session.RoleAssistant,
		Content:   res.Reply,
		Timestamp: s.now(),
	}); err != nil {
		// The turn is committed; the caller still gets its reply.
		s.logger.Error(ctx, "store reply failed", zap.Error(err))
	}

	return c.JSON(http.StatusOK, newTurnResponse(id, res))
}

func (s *Server) abort(ctx context.Context, id string, msgID int64) {
	if err := s.history.MarkFailed(ctx, id, msgID); err != nil {
		s.logger.Warn(ctx, "mark message failed", zap.Int64("message_id", msgID), zap.Error(err))
	}
}

func turnHTTPError(err error) error {
	switch {
	case orchestrator.IsKind(err, orchestrator.KindInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case orchestrator.IsKind(err, orchestrator.KindOracle):
		return echo.NewHTTPError(http.StatusBadGateway, "reply generation failed, please retry")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "turn failed")
	}
}

func (s *Server) handleSession(c echo.Context) error {
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	sess, err := s.engine.Session(c.Request().Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		s.logger.Error(c.Request().Context(), "load session failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load session")
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleMessages(c echo.Context) error {
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	msgs, err := s.history.History(c.Request().Context(), id, 0)
	if err != nil {
		s.logger.Error(c.Request().Context(), "load history failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load history")
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	return c.JSON(http.StatusOK, MessagesResponse{ConversationID: id, Messages: msgs})
}

func conversationID(c echo.Context) (string, error) {
	id := c.Param("id")
	if !logging.ValidID(id) {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}
	return id, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

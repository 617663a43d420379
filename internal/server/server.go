// Package server exposes the status API: read-only views over
// simulations, runs and results, plus an authenticated cancel endpoint.
// All state lives in the store; the server never talks to the master or
// the workers directly.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/ensemble/internal/store"
)

// Server wraps the echo instance and its dependencies.
type Server struct {
	echo   *echo.Echo
	store  *store.Store
	logger *log.Logger
}

// New builds the API server. The JWT secret protects the mutating
// endpoints; read endpoints are open.
func New(st *store.Store, secret []byte, logger *log.Logger) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("server needs a store")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	sh := &SimulationsHandler{Store: st}
	sh.Register(api.Group("/simulations"), secret)

	return &Server{echo: e, store: st, logger: logger}, nil
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = ":10001"
	}
	s.logger.Printf("listening on %s", addr)
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rustyguts/mediaplane/room"
	"github.com/rustyguts/mediaplane/session"
	"github.com/rustyguts/mediaplane/store"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0-dev"

// apiServer exposes a small REST surface alongside the media transports:
// health checking, room occupancy, and process-wide fan-out counters. It
// runs on its own TCP port, separate from the WebSocket/WebTransport
// listeners, mirroring the teacher's APIServer split.
type apiServer struct {
	registry *room.Registry
	store    *store.Store
	router   *session.Router
	echo     *echo.Echo
}

func newAPIServer(registry *room.Registry, st *store.Store, router *session.Router) *apiServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &apiServer{registry: registry, store: st, router: router, echo: e}
	s.registerRoutes()
	return s
}

func (s *apiServer) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/version", s.handleVersion)
	s.echo.GET("/api/metrics", s.handleMetrics)
	s.echo.GET("/api/rooms/:id", s.handleRoom)
	s.echo.GET("/api/sessions/:id/active", s.handleSessionActive)
}

// Run starts the Echo HTTP server on addr and blocks until ctx is canceled.
func (s *apiServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}

func (s *apiServer) handleHealth(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

type versionResponse struct {
	Version string `json:"version"`
}

func (s *apiServer) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, versionResponse{Version: Version})
}

type metricsResponse struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

func (s *apiServer) handleMetrics(c echo.Context) error {
	delivered, dropped := s.registry.Stats()
	return c.JSON(http.StatusOK, metricsResponse{Delivered: delivered, Dropped: dropped})
}

type roomResponse struct {
	RoomID string `json:"room_id"`
	Size   int    `json:"size"`
}

func (s *apiServer) handleRoom(c echo.Context) error {
	id := room.ID(c.Param("id"))
	return c.JSON(http.StatusOK, roomResponse{RoomID: string(id), Size: s.registry.RoomSize(id)})
}

type sessionActiveResponse struct {
	Active bool `json:"active"`
}

// handleSessionActive exposes the Testing/Active gate (spec §4.2) for a
// live session, returning 404 for a session id the router has never seen
// or has already torn down.
func (s *apiServer) handleSessionActive(c echo.Context) error {
	sess := room.SessionID(c.Param("id"))
	active, err := s.router.IsActive(sess)
	if err != nil {
		if errors.Is(err, session.ErrNotActive) {
			return c.NoContent(http.StatusNotFound)
		}
		return err
	}
	return c.JSON(http.StatusOK, sessionActiveResponse{Active: active})
}

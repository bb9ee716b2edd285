// Package api exposes the HTTP surface: tracking mutations, job status and
// cancellation, group management, and the inbound activity callback.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tradewatch/internal/jobqueue"
	"github.com/tradewatch/internal/tracking"
)

// Queue is the job queue surface the handlers consume.
type Queue interface {
	Enqueue(ctx context.Context, args jobqueue.ReconcileArgs) (int64, error)
	Status(ctx context.Context, jobID int64) (*jobqueue.JobStatus, error)
	Cancel(ctx context.Context, jobID int64) error
}

// Trackings is the tracking store surface the handlers consume.
type Trackings interface {
	CreateGroup(ctx context.Context, conversationID, name string) (*tracking.Group, error)
	DeleteGroup(ctx context.Context, groupID string) error
	ResolveGroup(ctx context.Context, externalRef string) (string, error)
	ActorsWatchedBy(ctx context.Context, groupID string) ([]int64, error)
	GroupsWatching(ctx context.Context, actorID int64) ([]string, error)
	RecordActivity(ctx context.Context, activities []tracking.Activity) error
}

// Server represents the API server
type Server struct {
	echo      *echo.Echo
	port      int
	queue     Queue
	trackings Trackings

	apiSecret     string
	webhookSecret string
}

// NewServer creates a new API server
func NewServer(port int, queue Queue, trackings Trackings, apiSecret, webhookSecret string) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:          e,
		port:          port,
		queue:         queue,
		trackings:     trackings,
		apiSecret:     apiSecret,
		webhookSecret: webhookSecret,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	// API v1 group
	v1 := s.echo.Group("/api/v1")

	// The activity callback authenticates by payload signature, not API secret.
	v1.POST("/activity", s.receiveActivity)

	managed := v1.Group("", s.requireAPISecret)

	// Tracking endpoints
	managed.POST("/trackings", s.updateTrackings)
	managed.GET("/trackings/job/:jobId", s.getJobStatus)
	managed.DELETE("/trackings/job/:jobId", s.cancelJob)

	// Group endpoints
	managed.POST("/groups", s.createGroup)
	managed.DELETE("/groups/:id", s.deleteGroup)
}

// Start begins the API server
func (s *Server) Start() error {
	// Start server in a goroutine
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			s.echo.Logger.Fatal("shutting down the server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

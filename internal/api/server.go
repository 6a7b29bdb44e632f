/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/soakworks/tubd/internal/equipment"
	"github.com/soakworks/tubd/internal/events"
	"github.com/soakworks/tubd/internal/heat"
	"github.com/soakworks/tubd/internal/maintenance"
	"github.com/soakworks/tubd/internal/metrics"
	"github.com/soakworks/tubd/internal/scheduler"
	"github.com/soakworks/tubd/internal/sensors"
)

// Version is the service version (set at build time)
var Version = "dev"

// logger is the zerolog logger for the API server
var logger *zerolog.Logger

// SetLogger sets the zerolog logger for the API server
func SetLogger(l *zerolog.Logger) {
	logger = l
}

// Server is the REST API server
type Server struct {
	handlers *Handlers
	port     int
	server   *http.Server
}

// ServerOptions contains options for creating the server
type ServerOptions struct {
	Equipment *equipment.Controller
	Heat      *heat.Service
	Scheduler *scheduler.Scheduler
	Planner   *scheduler.ReadyByPlanner
	Maint     *maintenance.Manager
	Sensors   *sensors.Manager
	Events    *events.Store
	Port      int
}

// NewServer creates a new API server
func NewServer(opts ServerOptions) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	return &Server{
		handlers: NewHandlers(opts.Equipment, opts.Heat, opts.Scheduler, opts.Planner, opts.Maint, opts.Sensors, opts.Events, time.Now()),
		port:     opts.Port,
	}
}

// Start starts the API server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if logger != nil {
			logger.Info().Int("port", s.port).Msg("starting API server")
		}
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if logger != nil {
		logger.Info().Msg("shutting down API server")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// zerologMiddleware is a chi middleware that logs requests using zerolog
func zerologMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logger == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("http request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// setupRoutes configures the router
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(zerologMiddleware)

	h := s.handlers

	r.Get("/healthz", h.GetHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/equipment", func(r chi.Router) {
			r.Post("/heater/on", h.PostHeaterOn)
			r.Post("/heater/off", h.PostHeaterOff)
			r.Post("/pump/run", h.PostPumpRun)
			r.Post("/blinds/up", h.PostBlindsUp)
			r.Post("/blinds/down", h.PostBlindsDown)
			r.Get("/status", h.GetEquipmentStatus)
			r.Post("/heat-to-target", h.PostHeatToTarget)
			r.Delete("/heat-to-target", h.DeleteHeatToTarget)
			r.Get("/heat-to-target", h.GetHeatToTarget)
		})

		r.Route("/schedule", func(r chi.Router) {
			r.Post("/", h.PostSchedule)
			r.Get("/", h.GetSchedule)
			r.Post("/ready-by", h.PostReadyBy)
			r.Delete("/{jobId}", h.DeleteSchedule)
		})

		r.Route("/maintenance", func(r chi.Router) {
			r.Post("/heat-target-check", h.PostHeatTargetCheck)
			r.Post("/rotate-logs", h.PostRotateLogs)
			r.Post("/cleanup-orphans", h.PostCleanupOrphans)
		})

		r.Route("/sensors", func(r chi.Router) {
			r.Get("/", h.GetSensors)
			r.Post("/reading", h.PostSensorReading)
			r.Put("/{address}", h.PutSensor)
		})
	})

	return r
}

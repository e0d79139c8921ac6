// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crisis provides the core crisis-line service for LifelineLocal.
//
// This package contains the main service type that coordinates all
// components: the connection registry, the session state machine, the
// message delivery pipeline, emergency escalation, and observability
// infrastructure.
//
// # Usage
//
// Default wiring (slog escalation notifier, local Badger store):
//
//	cfg := crisis.Config{Port: 12310}
//	svc, err := crisis.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
//
// Custom wiring (webhook escalation channels, injected validator):
//
//	opts := &crisis.Options{
//	    Notifier:  notify.NewWebhookNotifier(endpoints),
//	    Validator: myTokenValidator,
//	}
//	svc, err := crisis.New(cfg, opts)
package crisis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/LifelineLocal/services/crisis/delivery"
	"github.com/AleutianAI/LifelineLocal/services/crisis/escalation"
	"github.com/AleutianAI/LifelineLocal/services/crisis/events"
	"github.com/AleutianAI/LifelineLocal/services/crisis/handlers"
	"github.com/AleutianAI/LifelineLocal/services/crisis/middleware"
	"github.com/AleutianAI/LifelineLocal/services/crisis/notify"
	"github.com/AleutianAI/LifelineLocal/services/crisis/observability"
	"github.com/AleutianAI/LifelineLocal/services/crisis/persistence"
	"github.com/AleutianAI/LifelineLocal/services/crisis/registry"
	"github.com/AleutianAI/LifelineLocal/services/crisis/resilience"
	"github.com/AleutianAI/LifelineLocal/services/crisis/routes"
	"github.com/AleutianAI/LifelineLocal/services/crisis/session"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the crisis service.
//
// # Description
//
// Service abstracts the service lifecycle, enabling testing and
// alternative implementations. Run() blocks and should only be called
// once per instance.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use after construction.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	// Cleanup of every component is automatic on return.
	Run() error

	// Router returns the underlying Gin engine for integration testing.
	// Callers must not modify the routes.
	Router() *gin.Engine

	// Shutdown drains every delivery queue and releases all resources.
	// Safe to call once, after Run has returned or instead of it.
	Shutdown(ctx context.Context) error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds crisis service configuration options.
//
// All fields are optional with defaults applied by New().
type Config struct {
	// Port is the HTTP server port. Default: 12310.
	Port int

	// DataDir is the directory for the Badger message store. Empty
	// selects in-memory mode (no durability, appropriate for tests).
	DataDir string

	// EscalationAuditPath is the JSONL escalation audit log file.
	// Default: "./logs/escalations.jsonl".
	EscalationAuditPath string

	// OTelEndpoint is the OpenTelemetry collector endpoint. Empty
	// disables tracing.
	OTelEndpoint string

	// MaxConnections caps admitted sockets. Default: 2000.
	MaxConnections int

	// MaxSessions caps concurrent non-terminal sessions. Default: 1000.
	MaxSessions int

	// HandshakeDeadline bounds session establishment. Default: 50ms.
	HandshakeDeadline time.Duration

	// IdleTimeout ends a session with no activity. Default: 30m.
	IdleTimeout time.Duration

	// PersistQueueSize is the async write-behind queue depth.
	// Default: 1024.
	PersistQueueSize int

	// Delivery tunes the retry pipeline. Zero values use the
	// production defaults (100ms attempt timeout, 3 retries).
	Delivery delivery.Config

	// RateLimit tunes the per-connection ceilings. Zero values use
	// the production defaults.
	RateLimit resilience.RateLimitConfig

	// Breaker tunes the escalation-channel circuit breakers. Zero
	// values use the production defaults (5 failures, 60s open, 3
	// half-open probes).
	Breaker resilience.BreakerConfig

	// Escalation tunes the emergency fan-out. Zero values use the
	// production defaults (200ms deadline, all channels).
	Escalation escalation.Config

	// GinMode sets the Gin framework mode. Default: uses the GIN_MODE
	// env var.
	GinMode string
}

// Options injects alternative component implementations. Nil fields use
// the production defaults.
type Options struct {
	// Notifier delivers escalation alerts. Default: notify.SlogNotifier.
	Notifier notify.Notifier

	// Audit receives escalation audit records. Default: a JSONL file
	// sink at Config.EscalationAuditPath.
	Audit escalation.AuditSink

	// Validator authenticates WebSocket and REST callers.
	// Default: middleware.PermissiveValidator (anonymous access, as
	// crisis lines must never turn a person away over credentials).
	Validator middleware.TokenValidator

	// Store overrides the message/session store. Default: a Badger
	// store at Config.DataDir.
	Store persistence.Store
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// All fields are read-only after New() returns; the components
// themselves are individually synchronized.
type service struct {
	config Config
	router *gin.Engine

	store    persistence.Store
	writer   *persistence.AsyncWriter
	bus      *events.Bus
	registry *registry.Registry
	limiter  *resilience.RateLimiter
	pipeline *delivery.Pipeline
	sessions *session.Manager
	breakers *resilience.BreakerRegistry
	escal    *escalation.Escalator
	audit    escalation.AuditSink
	metrics  *observability.CrisisMetrics

	storeOwned    bool
	tracerCleanup func(context.Context)
	cleanupOnce   sync.Once
}

var _ Service = (*service)(nil)

// =============================================================================
// Constructor
// =============================================================================

// New creates a crisis Service with the given configuration.
//
// # Description
//
// New initializes every component in dependency order:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing (when an endpoint is set)
//  3. Initializes Prometheus metrics
//  4. Opens the Badger store and the async write-behind writer
//  5. Wires the event bus, registry, rate limiter, and pipeline
//  6. Wires the session manager, circuit breakers, and escalator
//  7. Sets up HTTP routes
//
// If opts is nil, production defaults are used for every component.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Component overrides. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run crisis service
//   - error: Non-nil if initialization fails
func New(cfg Config, opts *Options) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}
	var o Options
	if opts != nil {
		o = *opts
	}

	if s.config.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.metrics = observability.InitMetrics()

	if err := s.initStore(o.Store); err != nil {
		return nil, err
	}
	s.writer = persistence.NewAsyncWriter(s.store, s.config.PersistQueueSize)

	s.bus = events.NewBus()
	s.registry = registry.New(s.config.MaxConnections, s.metrics)

	s.limiter = resilience.NewRateLimiter(s.config.RateLimit)
	s.limiter.Observer = s.metrics

	s.pipeline = delivery.NewPipeline(s.config.Delivery, delivery.Options{
		Limiter:   s.limiter,
		Persister: s.writer,
		Events:    s.bus,
		Metrics:   s.metrics,
	})

	s.sessions = session.NewManager(session.Config{
		HandshakeDeadline: s.config.HandshakeDeadline,
		IdleTimeout:       s.config.IdleTimeout,
		MaxSessions:       s.config.MaxSessions,
	}, s.registry, s.writer, s.pipeline, s.bus, s.metrics)
	s.pipeline.BindHistory(s.sessions)

	s.breakers = resilience.NewBreakerRegistry(s.config.Breaker, s.metrics)

	if err := s.initEscalator(o.Notifier, o.Audit); err != nil {
		s.cleanup()
		return nil, err
	}

	s.initRouter(o.Validator)

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting crisis service",
		"port", s.config.Port,
		"max_sessions", s.config.MaxSessions,
		"max_connections", s.config.MaxConnections,
	)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Shutdown drains every delivery queue so in-flight critical messages
// finish their retry budget, then releases all resources.
func (s *service) Shutdown(ctx context.Context) error {
	err := s.pipeline.DrainAll(ctx)
	s.cleanup()
	return err
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values. Component
// configs (Delivery, RateLimit, Breaker, Escalation) apply their own
// defaults at construction.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.EscalationAuditPath == "" {
		cfg.EscalationAuditPath = "./logs/escalations.jsonl"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 2000
	}
	if cfg.PersistQueueSize == 0 {
		cfg.PersistQueueSize = 1024
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// Uses an insecure gRPC connection, appropriate for collectors on
// internal networks.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("crisis-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initStore opens the message store, honoring an injected override.
func (s *service) initStore(override persistence.Store) error {
	if override != nil {
		s.store = override
		return nil
	}
	storeCfg := persistence.InMemoryConfig()
	if s.config.DataDir != "" {
		storeCfg = persistence.DefaultConfig(s.config.DataDir)
	} else {
		slog.Info("No data directory configured, message store is in-memory")
	}
	store, err := persistence.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	s.store = store
	s.storeOwned = true
	return nil
}

// initEscalator wires the emergency fan-out, honoring injected
// notifier and audit sink overrides.
func (s *service) initEscalator(notifier notify.Notifier, audit escalation.AuditSink) error {
	if notifier == nil {
		notifier = notify.SlogNotifier{}
		slog.Info("Using slog escalation notifier")
	}
	if audit == nil {
		fileAudit, err := escalation.NewJSONLAudit(s.config.EscalationAuditPath)
		if err != nil {
			return fmt.Errorf("failed to open escalation audit log: %w", err)
		}
		audit = fileAudit
	}
	s.audit = audit
	s.escal = escalation.NewEscalator(s.config.Escalation, s.sessions,
		notifier, s.breakers, audit, s.bus, s.metrics)
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter(validator middleware.TokenValidator) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	if validator == nil {
		validator = &middleware.PermissiveValidator{}
	}

	core := &handlers.Core{
		Registry:  s.registry,
		Sessions:  s.sessions,
		Emergency: s.escal,
		Pipeline:  s.pipeline,
		Limiter:   s.limiter,
		Events:    s.bus,
		History:   s.store,
		Metrics:   s.metrics,
	}

	s.router = gin.Default()
	if s.config.OTelEndpoint != "" {
		s.router.Use(otelgin.Middleware("crisis-service"))
	}
	routes.SetupRoutes(s.router, core, validator, s.limiter)
}

// cleanup releases all resources held by the service.
//
// Called when Run() exits, from Shutdown, or on initialization failure;
// only the first call does anything. Order matters: the async writer
// flushes into the store, so the store closes last.
func (s *service) cleanup() {
	s.cleanupOnce.Do(s.release)
}

func (s *service) release() {
	if s.bus != nil {
		s.bus.Close()
	}
	if s.writer != nil {
		s.writer.Close()
	}
	if s.storeOwned && s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("message store close error", "error", err)
		}
	}
	if closer, ok := s.audit.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("escalation audit close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

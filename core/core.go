package core

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/opshelm/skillbus/config"
	"github.com/opshelm/skillbus/models"
	"github.com/opshelm/skillbus/registry"
	"github.com/opshelm/skillbus/store"
)

// Core is the relay: the subscription registry, the request router, the
// publish dispatcher, and the delivery client, served over one local
// unix socket. Construct with New, declare topics and any custom
// handlers, then Start.
type Core struct {
	appCtx context.Context
	cfg    *config.Service
	logger *slog.Logger

	registry     *registry.Registry
	router       *Router
	handlerExec  *executor
	publishExec  *executor
	delivery     *deliveryClient
	retryLimiter *rate.Limiter
	monitor      *monitor

	server   *http.Server
	listener net.Listener

	startedAt time.Time
}

func New(ctx context.Context, logger *slog.Logger, cfg *config.Service, st store.Store) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	coreLogger := logger.WithGroup("core")

	c := &Core{
		appCtx:       ctx,
		cfg:          cfg,
		logger:       coreLogger,
		registry:     registry.New(coreLogger, st),
		handlerExec:  newExecutor(coreLogger, "handlers", cfg.Pools.HandlerWorkers, cfg.Pools.QueueDepth),
		publishExec:  newExecutor(coreLogger, "publish", cfg.Pools.PublishWorkers, cfg.Pools.QueueDepth),
		delivery:     newDeliveryClient(coreLogger, cfg.Delivery.ConnectTimeout, cfg.Delivery.RequestTimeout),
		retryLimiter: rate.NewLimiter(rate.Limit(cfg.Retry.Limit), cfg.Retry.Burst),
	}
	c.router = newRouter(coreLogger, c.handlerExec)

	if cfg.Monitor.Enabled {
		c.monitor = newMonitor(coreLogger, cfg.Monitor)
	}

	c.router.Register("/subscribe", c.subscribeHandler)
	c.router.Register("/unsubscribe", c.unsubscribeHandler)
	c.router.Register("/publish", c.publishHandler)
	c.router.Register("/status", c.statusHandler)

	for _, topic := range cfg.Topics {
		c.registry.RegisterTopic(topic, nil, nil, nil)
	}

	return c, nil
}

// RegisterTopic declares a publishable topic with optional handlers.
// For embedders; config-listed topics are registered handler-less at
// construction.
func (c *Core) RegisterTopic(topic string, subscribe models.RequestHandler, builder models.PublishRequestBuilder, response models.PublishResponseHandler) {
	c.registry.RegisterTopic(topic, subscribe, builder, response)
}

// RegisterHandler installs a custom request handler on the router.
func (c *Core) RegisterHandler(path string, handler models.RequestHandler) {
	c.router.Register(path, handler)
}

// Registry exposes the subscription registry, mainly for tests and
// embedders that need direct access.
func (c *Core) Registry() *registry.Registry {
	return c.registry
}

// Start loads persisted subscriptions, binds the unix socket, and
// begins serving. The load happens before the listener exists, so no
// request can observe a partially restored registry. A corrupt blob is
// logged and the registry starts empty.
func (c *Core) Start() error {
	if !c.startedAt.IsZero() {
		return fmt.Errorf("service already started")
	}

	if err := c.registry.Load(); err != nil {
		c.logger.Error("could not load persisted subscriptions, starting empty", "error", err)
	}

	// A stale socket file from an unclean shutdown blocks the bind.
	if err := os.Remove(c.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not remove stale socket %s: %w", c.cfg.SocketPath, err)
	}

	listener, err := net.Listen("unix", c.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("could not bind unix socket %s: %w", c.cfg.SocketPath, err)
	}
	c.listener = listener
	c.server = &http.Server{Handler: c}
	c.startedAt = time.Now()

	go func() {
		if err := c.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			c.logger.Error("http server exited", "error", err)
		}
	}()

	c.logger.Info("relay serving", "socket", c.cfg.SocketPath)
	return nil
}

// Stop shuts the server down, stops the worker pools, and closes any
// monitor sessions. In-flight and already-queued deliveries run to their
// terminal outcome before the pools finish stopping.
func (c *Core) Stop() error {
	var firstErr error

	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.server.Shutdown(ctx); err != nil {
			c.logger.Error("http server shutdown failed", "error", err)
			firstErr = err
		}
	}

	c.handlerExec.stop()
	c.publishExec.stop()
	c.delivery.closeIdle()

	if c.monitor != nil {
		c.monitor.close()
	}

	if err := os.Remove(c.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("could not remove socket file", "error", err)
	}

	c.logger.Info("relay stopped")
	return firstErr
}

func (c *Core) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c.monitor != nil && r.URL.Path == "/monitor" {
		c.monitor.handleWS(w, r)
		return
	}
	c.router.dispatch(w, r)
}

// emit forwards an event to the monitor stream when it is enabled.
func (c *Core) emit(event models.MonitorEvent) {
	if c.monitor == nil {
		return
	}
	c.monitor.emit(event)
}

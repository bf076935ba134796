// Package di assembles the governor's components and wires them together
package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"plugin-governor/internal/api/handlers"
	"plugin-governor/internal/config"
	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/lifecycle"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/metrics"
	"plugin-governor/internal/monitor"
	"plugin-governor/internal/notify"
	"plugin-governor/internal/resource"
	"plugin-governor/internal/store"
)

// Token is the instance the daemon hands out for pooled resources. The
// plugin owns whatever real resource stands behind it; the governor only
// does the accounting.
type Token struct {
	ID        string                `json:"id"`
	Type      resource.ResourceType `json:"resource_type"`
	Kind      string                `json:"kind,omitempty"`
	PluginID  string                `json:"plugin_id"`
	CreatedAt time.Time             `json:"created_at"`
}

// TokenFactory creates Tokens for one resource type or custom kind
func TokenFactory(t resource.ResourceType, kind string) *resource.FuncFactory {
	return resource.NewFuncFactory(t,
		func(_ context.Context, req resource.Request) (resource.Instance, error) {
			return &Token{
				ID:        uuid.NewString(),
				Type:      t,
				Kind:      kind,
				PluginID:  req.PluginID,
				CreatedAt: time.Now(),
			}, nil
		}, nil, nil)
}

// Container holds all application dependencies
type Container struct {
	Config    *config.Config
	Logger    logging.Logger
	Metrics   *metrics.Metrics
	Factories *resource.FactoryRegistry
	Manager   *resource.Manager
	Lifecycle *lifecycle.Manager
	Monitor   *monitor.Monitor
	Store     *store.HistoryStore
	Publisher *notify.RedisPublisher
	Sinks     notify.MultiSink

	logger       logging.Logger
	managerSub   string
	lifecycleSub string
}

// NewContainer creates the components in dependency order. m may be nil.
func NewContainer(ctx context.Context, cfg *config.Config, logger logging.Logger, m *metrics.Metrics) (*Container, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger = logging.OrNoOp(logger)
	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
		logger:  logger.WithComponent("container"),
	}

	if err := c.initializeStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := c.initializeServices(ctx); err != nil {
		_ = c.closeStorage()
		return nil, fmt.Errorf("failed to initialize resource manager: %w", err)
	}
	c.initializeGovernance(ctx)

	return c, nil
}

// initializeStorage opens the optional history store and Redis publisher
func (c *Container) initializeStorage() error {
	if c.Config.Store.Enabled {
		hs, err := store.Open(&store.Config{
			Driver:        c.Config.Store.Driver,
			DSN:           c.Config.Store.DSN,
			BufferSize:    c.Config.Store.BufferSize,
			BatchSize:     c.Config.Store.BatchSize,
			FlushInterval: c.Config.Store.FlushInterval,
		}, c.Logger, c.Metrics)
		if err != nil {
			return err
		}
		c.Store = hs
		c.Sinks = append(c.Sinks, hs)
	}

	if c.Config.Redis.Enabled {
		pub, err := notify.NewRedisPublisher(&notify.Config{
			Addr:          c.Config.Redis.Addr,
			Password:      c.Config.Redis.Password,
			DB:            c.Config.Redis.DB,
			ChannelPrefix: c.Config.Redis.ChannelPrefix,
			RecentLimit:   c.Config.Redis.RecentLimit,
			Timeout:       c.Config.Redis.Timeout,
		}, c.Logger)
		if err != nil {
			_ = c.closeStorage()
			return err
		}
		c.Publisher = pub
		c.Sinks = append(c.Sinks, pub)
	}
	return nil
}

// initializeServices builds the factory registry, the manager and the
// configured pools
func (c *Container) initializeServices(ctx context.Context) error {
	c.Factories = resource.NewFactoryRegistry()
	for _, t := range resource.AllResourceTypes() {
		if t == resource.Custom {
			continue
		}
		if err := c.Factories.Register(TokenFactory(t, ""), ""); err != nil {
			return err
		}
	}

	c.Manager = resource.NewManager(ctx, c.Logger, c.Metrics, c.Factories, &c.Config.Manager.ManagerConfig)

	pools := c.Config.Manager.Pools
	if len(pools) == 0 {
		for _, t := range resource.AllResourceTypes() {
			if t != resource.Custom {
				pools = append(pools, config.PoolConfig{Name: t.String(), Type: t})
			}
		}
	}
	for _, pc := range pools {
		if err := c.createPool(pc); err != nil {
			return fmt.Errorf("pool %s: %w", pc.Name, err)
		}
	}
	return nil
}

func (c *Container) createPool(pc config.PoolConfig) error {
	if pc.Type == resource.Custom || pc.Kind != "" {
		if _, err := c.Factories.Get(resource.Custom, pc.Kind); govErrors.IsNotFound(err) {
			if err := c.Factories.Register(TokenFactory(resource.Custom, pc.Kind), pc.Kind); err != nil {
				return err
			}
		}
		_, err := c.Manager.CreateCustomPool(pc.Kind, pc.Name, pc.Quota)
		return err
	}
	_, err := c.Manager.CreatePool(pc.Type, pc.Name, pc.Quota)
	return err
}

// initializeGovernance builds the lifecycle manager and monitor and feeds
// them the manager's state changes
func (c *Container) initializeGovernance(ctx context.Context) {
	c.Lifecycle = lifecycle.NewManager(ctx, c.Logger, c.Metrics, &c.Config.Lifecycle)
	c.Monitor = monitor.NewMonitor(ctx, c.Logger, c.Metrics, &c.Config.Monitor)
	if len(c.Sinks) > 0 {
		c.Monitor.AddSink(c.Sinks)
	}
	c.managerSub = c.Manager.Subscribe(resource.SubscriptionFilter{}, c.onStateChange)
	c.lifecycleSub = c.Lifecycle.Subscribe(
		lifecycle.EventFilter{States: []lifecycle.State{lifecycle.Destroyed}}, c.onDestroyed)
}

// onStateChange keeps lifecycle tracking and monitoring in step with the
// pools: acquired handles are registered (or reactivated), released ones
// go idle and destroyed ones are dropped.
func (c *Container) onStateChange(change resource.StateChange) {
	h := change.Handle
	switch change.NewState {
	case resource.InUse:
		c.activate(h)
	case resource.Available:
		if state, err := c.Lifecycle.State(h.ID); err == nil && state == lifecycle.Active {
			c.transition(h.ID, lifecycle.Idle, "released")
		}
	case resource.Cleanup:
		if state, err := c.Lifecycle.State(h.ID); err == nil {
			if lifecycle.CanTransition(state, lifecycle.Cleanup) {
				c.transition(h.ID, lifecycle.Cleanup, "destroyed")
			}
			if err := c.Lifecycle.UnregisterResource(h.ID); err != nil && !govErrors.IsNotFound(err) {
				logging.LogError(c.logger, "Failed to unregister destroyed resource", err, "resource_id", h.ID)
			}
		}
		if err := c.Monitor.StopMonitoring(h.ID); err != nil && !govErrors.IsNotFound(err) {
			logging.LogError(c.logger, "Failed to stop monitoring", err, "resource_id", h.ID)
		}
	}
}

// onDestroyed evicts the queued pool instance of a resource the lifecycle
// manager cleaned up, so it is not handed out again. Instances still checked
// out stay with their plugin.
func (c *Container) onDestroyed(e lifecycle.Event) {
	c.Manager.Evict(e.ResourceID, "lifecycle cleanup")
}

func (c *Container) activate(h resource.Handle) {
	state, err := c.Lifecycle.State(h.ID)
	switch {
	case govErrors.IsNotFound(err):
		if err := c.Lifecycle.RegisterResource(h, lifecycle.Active); err != nil {
			logging.LogError(c.logger, "Failed to register resource", err, "resource_id", h.ID)
		}
	case err == nil && state != lifecycle.Active:
		if lifecycle.CanTransition(state, lifecycle.Active) {
			c.transition(h.ID, lifecycle.Active, "acquired")
		} else {
			c.logger.Debug("Acquired resource cannot become active",
				"resource_id", h.ID, "state", state.String())
		}
	}

	if c.Monitor.IsActive(h.ID) {
		return
	}
	if err := c.Monitor.StartMonitoring(h); err != nil && !govErrors.IsAlreadyExists(err) {
		logging.LogError(c.logger, "Failed to start monitoring", err, "resource_id", h.ID)
	}
}

func (c *Container) transition(id string, to lifecycle.State, reason string) {
	if err := c.Lifecycle.UpdateState(id, to, map[string]interface{}{"reason": reason}); err != nil {
		logging.LogError(c.logger, "Lifecycle transition failed", err,
			"resource_id", id, "to", to.String())
	}
}

// ApplyPolicy installs the hot-reloadable parts of cfg: the cleanup policy
// and the alert thresholds
func (c *Container) ApplyPolicy(cfg *config.Config) error {
	c.Lifecycle.SetPolicy(cfg.Lifecycle.Policy)
	if err := c.Monitor.SetThresholds(cfg.Monitor.Thresholds); err != nil {
		return err
	}
	c.logger.Info("Policy reloaded")
	return nil
}

// HandlerDependencies returns what the API handlers operate on
func (c *Container) HandlerDependencies() *handlers.Dependencies {
	deps := &handlers.Dependencies{
		Manager:      c.Manager,
		Lifecycle:    c.Lifecycle,
		Monitor:      c.Monitor,
		Store:        c.Store,
		Logger:       c.Logger,
		MaxBodyBytes: c.Config.API.MaxRequestBodyLen,
	}
	if c.Publisher != nil {
		deps.Publisher = c.Publisher
	}
	if len(c.Sinks) > 0 {
		deps.History = c.Sinks
	}
	return deps
}

// Start launches the store writer and every periodic sweep
func (c *Container) Start() error {
	if c.Store != nil {
		if err := c.Store.Start(); err != nil {
			return err
		}
	}
	if err := c.Manager.Start(); err != nil {
		return err
	}
	if err := c.Lifecycle.Start(); err != nil {
		return err
	}
	return c.Monitor.Start()
}

// HealthCheck reports the first unhealthy dependency
func (c *Container) HealthCheck(_ context.Context) error {
	if c.Store != nil && !c.Store.IsRunning() {
		return fmt.Errorf("history store is not running")
	}
	return nil
}

// Shutdown stops the sweeps, then flushes and closes storage
func (c *Container) Shutdown() error {
	var errs []error
	if c.managerSub != "" {
		errs = append(errs, c.Manager.Unsubscribe(c.managerSub))
		c.managerSub = ""
	}
	if c.lifecycleSub != "" {
		errs = append(errs, c.Lifecycle.Unsubscribe(c.lifecycleSub))
		c.lifecycleSub = ""
	}
	errs = append(errs,
		c.Monitor.Shutdown(),
		c.Lifecycle.Shutdown(),
		c.Manager.Shutdown(),
		c.closeStorage(),
	)
	return errors.Join(errs...)
}

func (c *Container) closeStorage() error {
	var errs []error
	if c.Publisher != nil {
		errs = append(errs, c.Publisher.Close())
		c.Publisher = nil
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
		c.Store = nil
	}
	return errors.Join(errs...)
}

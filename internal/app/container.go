package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/acme/call-router/internal/config"
	"github.com/acme/call-router/internal/domain"
	"github.com/acme/call-router/internal/infra/redis"
	"github.com/acme/call-router/internal/provider"
	"github.com/acme/call-router/internal/provider/sim"
	"github.com/acme/call-router/internal/queue"
	"github.com/acme/call-router/internal/registry"
	"github.com/acme/call-router/internal/service/concurrency"
	"github.com/acme/call-router/internal/service/resolution"
	"github.com/acme/call-router/internal/watchdog"
	"github.com/acme/call-router/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Redis *redis.Client
	Kafka *queue.Kafka

	// lazily initialised components
	components struct {
		once        sync.Once
		err         error
		registry    *registry.Memory
		providers   *providers
		services    *services
		dispatchers *dispatchers
		limiters    *limiters
	}
}

type providers struct {
	Sim    *sim.Provider
	Binder provider.Binder
}

type services struct {
	Resolution *resolution.Service
}

type dispatchers struct {
	SetupDispatcher  *queue.SetupDispatcher
	OutcomePublisher *queue.OutcomePublisher
}

type limiters struct {
	Concurrency *concurrency.Limiter
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config: cfg,
		Logger: lg,
		Redis:  redisClient,
		Kafka:  kafka,
	}, nil
}

func (c *Container) initComponents() error {
	c.components.once.Do(func() {
		reg, err := buildRegistry(c.Config.Registry)
		if err != nil {
			c.components.err = fmt.Errorf("seed registry: %w", err)
			return
		}

		simProvider := sim.NewProvider(c.Config.Provider)
		binder := provider.NewStaticBinder(simProvider)

		policy := watchdog.StaticPolicy{
			Standard: c.Config.Emergency.StandardTimeout,
			Extended: c.Config.Emergency.ExtendedTimeout,
		}

		c.components.registry = reg
		c.components.providers = &providers{Sim: simProvider, Binder: binder}
		c.components.services = &services{
			Resolution: resolution.NewService(reg, binder, policy, c.Logger),
		}
		c.components.dispatchers = &dispatchers{
			SetupDispatcher:  queue.NewSetupDispatcher(c.Kafka, c.Config.Kafka.SetupTopic),
			OutcomePublisher: queue.NewOutcomePublisher(c.Kafka, c.Config.Kafka.OutcomeTopic),
		}
		c.components.limiters = &limiters{
			Concurrency: concurrency.NewLimiter(c.Redis.Inner(), c.Config.Throttle.MaxActivePerUser, c.Config.Throttle.SlotTTL),
		}
	})
	return c.components.err
}

// Registry exposes the seeded account registry.
func (c *Container) Registry() (*registry.Memory, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.registry, nil
}

// Services exposes initialized services.
func (c *Container) Services() (*services, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.services, nil
}

// Providers exposes call providers.
func (c *Container) Providers() (*providers, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.providers, nil
}

// Dispatchers exposes Kafka dispatchers.
func (c *Container) Dispatchers() (*dispatchers, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.dispatchers, nil
}

// Limiters exposes limiter utilities.
func (c *Container) Limiters() (*limiters, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.limiters, nil
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if d := c.components.dispatchers; d != nil {
		if d.SetupDispatcher != nil {
			if err := d.SetupDispatcher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("setup dispatcher close: %w", err))
			}
		}
		if d.OutcomePublisher != nil {
			if err := d.OutcomePublisher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("outcome publisher close: %w", err))
			}
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.SetupTopic, c.Config.Kafka.OutcomeTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 12, 1)
}

var capabilityNames = map[string]domain.Capability{
	"sim_subscription":          domain.CapSIMSubscription,
	"place_emergency_calls":     domain.CapPlaceEmergencyCalls,
	"emergency_preferred":       domain.CapEmergencyPreferred,
	"self_managed":              domain.CapSelfManaged,
	"voice_calling_available":   domain.CapVoiceCallingAvailable,
	"voice_calling_indications": domain.CapVoiceCallingIndications,
}

func buildRegistry(cfg config.RegistryConfig) (*registry.Memory, error) {
	reg := registry.NewMemory()

	if cfg.SystemRelayComponent != "" {
		reg.SetSystemRelayComponent(domain.ComponentID(cfg.SystemRelayComponent))
	}

	for _, ac := range cfg.Accounts {
		account, err := accountFromConfig(ac)
		if err != nil {
			return nil, err
		}
		reg.AddAccount(account)
	}

	for user, ref := range cfg.Relays {
		handle, err := parseHandleRef(ref, user)
		if err != nil {
			return nil, err
		}
		reg.SetRelay(user, handle)
	}
	for user, ref := range cfg.EmergencyRelays {
		handle, err := parseHandleRef(ref, user)
		if err != nil {
			return nil, err
		}
		reg.SetEmergencyRelay(user, handle)
	}

	return reg, nil
}

func accountFromConfig(ac config.AccountConfig) (domain.Account, error) {
	var caps domain.Capability
	for _, name := range ac.Capabilities {
		bit, ok := capabilityNames[strings.ToLower(name)]
		if !ok {
			return domain.Account{}, fmt.Errorf("unknown capability %q for account %s/%s", name, ac.Component, ac.ID)
		}
		caps |= bit
	}

	slot := domain.InvalidSlotIndex
	if ac.Slot != nil {
		slot = *ac.Slot
	}

	return domain.Account{
		Handle: domain.AccountHandle{
			Component: domain.ComponentID(ac.Component),
			ID:        ac.ID,
			UserID:    ac.User,
		},
		Capabilities:   caps,
		BindPermitted:  ac.BindPermitted,
		SubscriptionID: ac.SubscriptionID,
		SlotIndex:      slot,
	}, nil
}

func parseHandleRef(ref, user string) (domain.AccountHandle, error) {
	component, id, ok := strings.Cut(ref, "/")
	if !ok || component == "" || id == "" {
		return domain.AccountHandle{}, fmt.Errorf("relay reference %q: want component/id", ref)
	}
	return domain.AccountHandle{
		Component: domain.ComponentID(component),
		ID:        id,
		UserID:    user,
	}, nil
}

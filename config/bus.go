package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/distribution-auth/sessionkeeper/session"
	"github.com/distribution-auth/sessionkeeper/session/bus"
)

var (
	busFactoriesMu sync.RWMutex
	busFactories   = make(map[string]BusFactory)
)

// RegisterBusFactory makes a BusFactory available by the provided name in configuration.
//
// If RegisterBusFactory is called twice with the same name or if factory is nil,
// it panics.
func RegisterBusFactory(name string, factory BusFactory) {
	busFactoriesMu.Lock()
	defer busFactoriesMu.Unlock()

	if factory == nil {
		panic("registering bus factory: factory is nil")
	}

	if _, dup := busFactories[name]; dup {
		panic("registering bus factory: registration called twice for factory " + name)
	}

	busFactories[name] = factory
}

func init() {
	RegisterBusFactory("memory", &memoryBus{})
	RegisterBusFactory("redis", &redisBus{})
}

// Bus is the configuration for a session.Bus.
type Bus struct {
	Type   string
	Config BusFactory
}

func (c *Bus) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig rawConfig

	err := value.Decode(&rawConfig)
	if err != nil {
		return err
	}

	busFactoriesMu.RLock()
	factory, ok := busFactories[rawConfig.Type]
	busFactoriesMu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown bus type: %s", rawConfig.Type)
	}

	factory = factory.New()

	err = decode(rawConfig.Config, factory)
	if err != nil {
		return err
	}

	c.Type = rawConfig.Type
	c.Config = factory

	return nil
}

// BusFactory creates a new session.Bus.
//
// New must return a pointer, so that the configuration can be decoded into it.
type BusFactory interface {
	New() BusFactory
	CreateBus(ctx context.Context, logger *zap.Logger) (session.Bus, error)
	Validate() error
}

// processOrigin connects every memory bus created from configuration in this process.
var processOrigin = bus.NewOrigin()

type memoryBus struct{}

func (c *memoryBus) New() BusFactory {
	return &memoryBus{}
}

func (c *memoryBus) CreateBus(_ context.Context, _ *zap.Logger) (session.Bus, error) {
	return processOrigin.Join(), nil
}

func (c *memoryBus) Validate() error {
	return nil
}

type redisBus struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

func (c *redisBus) New() BusFactory {
	return &redisBus{}
}

func (c *redisBus) CreateBus(ctx context.Context, logger *zap.Logger) (session.Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Username: c.Username,
		Password: c.Password,
		DB:       c.DB,
	})

	b, err := bus.NewRedis(ctx, client, c.Channel, logger)
	if err != nil {
		client.Close()

		return nil, err
	}

	return ownedRedisBus{Redis: b, client: client}, nil
}

func (c *redisBus) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("bus: redis: addr is required")
	}

	return nil
}

// ownedRedisBus closes the client created for it.
type ownedRedisBus struct {
	*bus.Redis

	client *redis.Client
}

func (b ownedRedisBus) Close() error {
	err := b.Redis.Close()

	if cerr := b.client.Close(); err == nil {
		err = cerr
	}

	return err
}

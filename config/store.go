package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/distribution-auth/sessionkeeper/session"
	"github.com/distribution-auth/sessionkeeper/session/kv"
)

var (
	storeFactoriesMu sync.RWMutex
	storeFactories   = make(map[string]StoreFactory)
)

// RegisterStoreFactory makes a StoreFactory available by the provided name in configuration.
//
// If RegisterStoreFactory is called twice with the same name or if factory is nil,
// it panics.
func RegisterStoreFactory(name string, factory StoreFactory) {
	storeFactoriesMu.Lock()
	defer storeFactoriesMu.Unlock()

	if factory == nil {
		panic("registering store factory: factory is nil")
	}

	if _, dup := storeFactories[name]; dup {
		panic("registering store factory: registration called twice for factory " + name)
	}

	storeFactories[name] = factory
}

func init() {
	RegisterStoreFactory("memory", &memoryStore{})
	RegisterStoreFactory("file", &fileStore{})
}

// Store is the configuration for a session.KeyValueStore.
type Store struct {
	Type   string
	Config StoreFactory
}

func (c *Store) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig rawConfig

	err := value.Decode(&rawConfig)
	if err != nil {
		return err
	}

	storeFactoriesMu.RLock()
	factory, ok := storeFactories[rawConfig.Type]
	storeFactoriesMu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown store type: %s", rawConfig.Type)
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

// StoreFactory creates a new session.KeyValueStore.
//
// New must return a pointer, so that the configuration can be decoded into it.
type StoreFactory interface {
	New() StoreFactory
	CreateStore() (session.KeyValueStore, error)
	Validate() error
}

type memoryStore struct{}

func (c *memoryStore) New() StoreFactory {
	return &memoryStore{}
}

func (c *memoryStore) CreateStore() (session.KeyValueStore, error) {
	return &kv.Memory{}, nil
}

func (c *memoryStore) Validate() error {
	return nil
}

type fileStore struct {
	Path string `mapstructure:"path"`
}

func (c *fileStore) New() StoreFactory {
	return &fileStore{}
}

func (c *fileStore) CreateStore() (session.KeyValueStore, error) {
	path := c.Path

	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}

		path = filepath.Join(home, rest)
	}

	return kv.OpenFile(path)
}

func (c *fileStore) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("store: file: path is required")
	}

	return nil
}

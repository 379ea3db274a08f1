// Package provider builds the provisioning backend an environment names.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/picklr-io/rollout/internal/config"
	"github.com/picklr-io/rollout/pkg/provisioner"
	"github.com/picklr-io/rollout/providers/docker"
	"github.com/picklr-io/rollout/providers/grpcplugin"
	"github.com/picklr-io/rollout/providers/sim"
)

// Factory creates a backend for an environment.
type Factory func(ctx context.Context, env *config.Environment) (provisioner.Backend, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry knowing the built-in backends.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
	}
	// A fresh simulator knows nothing of earlier processes, so reuse across
	// CLI runs is decided by the ledger.
	r.Register("sim", func(context.Context, *config.Environment) (provisioner.Backend, error) {
		return sim.New().Plain(), nil
	})
	r.Register("docker", newDocker)
	r.Register("grpc", newGRPC)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load creates the backend env asks for. An empty name selects sim.
func (r *Registry) Load(ctx context.Context, env *config.Environment) (provisioner.Backend, error) {
	name := env.Backend
	if name == "" {
		name = "sim"
	}

	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s (available: %v)", name, r.Names())
	}

	b, err := f(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s backend: %w", name, err)
	}
	return b, nil
}

// Close releases b when it holds resources.
func Close(b provisioner.Backend) error {
	if c, ok := b.(provisioner.Closer); ok {
		return c.Close()
	}
	return nil
}

func newDocker(_ context.Context, env *config.Environment) (provisioner.Backend, error) {
	if env.Docker == nil || env.Docker.Image == "" {
		return nil, fmt.Errorf("docker.image is required")
	}
	return docker.New(docker.Options{
		Image:    env.Docker.Image,
		Command:  env.Docker.Command,
		Platform: env.Docker.Platform,
		Network:  env.Docker.Network,
		Pull:     env.Docker.Pull,
		Env:      env.Docker.Env,
	}), nil
}

func newGRPC(_ context.Context, env *config.Environment) (provisioner.Backend, error) {
	if env.GRPC == nil || env.GRPC.Address == "" {
		return nil, fmt.Errorf("grpc.address is required")
	}
	return grpcplugin.Dial(env.GRPC.Address, env.GRPC.Insecure)
}

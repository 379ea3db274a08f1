package state

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/picklr-io/rollout/internal/ir"
)

// Backend defines the interface for state storage backends.
type Backend interface {
	// Read loads the state from the backend.
	Read(ctx context.Context) (*ir.State, error)

	// Write saves the state to the backend.
	Write(ctx context.Context, state *ir.State) error

	// Lock acquires an exclusive lock on the state.
	Lock() error

	// Unlock releases the lock on the state.
	Unlock() error
}

// BackendConfig holds configuration for a state backend.
type BackendConfig struct {
	Type   string            `yaml:"type" json:"type"` // "local", "s3"
	Config map[string]string `yaml:"config" json:"config"`
}

// DefaultPath is where the local ledger of env lives, relative to the
// working directory.
func DefaultPath(env string) string {
	return filepath.Join(".rollout", env, "state.json")
}

// NewBackend creates a state backend for env from configuration. A nil config
// selects the local backend at DefaultPath.
func NewBackend(ctx context.Context, cfg *BackendConfig, env string) (Backend, error) {
	if cfg == nil {
		return NewManager(DefaultPath(env)), nil
	}

	switch cfg.Type {
	case "local", "":
		path := cfg.Config["path"]
		if path == "" {
			path = DefaultPath(env)
		}
		return NewManager(path), nil
	case "s3":
		return newS3Backend(ctx, cfg.Config, env)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

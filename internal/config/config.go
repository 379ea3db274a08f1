// Package config reads the environments file (rollout.yaml) and turns one
// environment into the run context and engine settings of a run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/picklr-io/rollout/internal/engine"
	"github.com/picklr-io/rollout/internal/state"
)

// DefaultFile is the environments file looked up in the working directory.
const DefaultFile = "rollout.yaml"

// DefaultEnvironment is used when neither --env nor ROLLOUT_ENV is set.
const DefaultEnvironment = "local"

// File is the decoded environments file.
type File struct {
	Environments map[string]*Environment `yaml:"environments"`

	path string
}

// Environment describes one deployment target.
type Environment struct {
	Backend     string               `yaml:"backend"` // sim | docker | grpc
	Endpoint    string               `yaml:"endpoint"`
	Identity    string               `yaml:"identity"`
	Credentials map[string]string    `yaml:"credentials"`
	Vars        map[string]string    `yaml:"vars"`
	Parallelism int                  `yaml:"parallelism"`
	Retry       *RetryConfig         `yaml:"retry"`
	Timeout     string               `yaml:"timeout"`
	Docker      *DockerConfig        `yaml:"docker"`
	GRPC        *GRPCConfig          `yaml:"grpc"`
	State       *state.BackendConfig `yaml:"state"`
	Manifest    *ManifestConfig      `yaml:"manifest"`
}

type RetryConfig struct {
	MaxRetries *int   `yaml:"max_retries"`
	BaseDelay  string `yaml:"base_delay"`
	MaxDelay   string `yaml:"max_delay"`
}

// DockerConfig configures the containerized deployer backend.
type DockerConfig struct {
	Image    string            `yaml:"image"`
	Command  []string          `yaml:"command"`
	Platform string            `yaml:"platform"` // os/arch[/variant]
	Network  string            `yaml:"network"`
	Pull     bool              `yaml:"pull"`
	Env      map[string]string `yaml:"env"`
}

// GRPCConfig configures the remote plugin backend.
type GRPCConfig struct {
	Address  string `yaml:"address"`
	Insecure bool   `yaml:"insecure"`
}

// ManifestConfig says where run manifests are published.
type ManifestConfig struct {
	Path        string `yaml:"path"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Prefix    string `yaml:"s3_prefix"`
	SNSTopicARN string `yaml:"sns_topic_arn"`
	Region      string `yaml:"region"`
}

// Load reads the environments file at path. A missing file is not an error:
// the result only knows the default local environment.
func Load(path string) (*File, error) {
	if path == "" {
		path = DefaultFile
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{Environments: map[string]*Environment{}, path: path}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	f, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	f.path = path
	return f, nil
}

// Parse decodes an environments document.
func Parse(content []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	if f.Environments == nil {
		f.Environments = map[string]*Environment{}
	}
	for name, env := range f.Environments {
		if env == nil {
			f.Environments[name] = &Environment{}
			env = f.Environments[name]
		}
		if err := env.validate(); err != nil {
			return nil, fmt.Errorf("environment %q: %w", name, err)
		}
	}
	return &f, nil
}

// Path returns the file the environments were read from.
func (f *File) Path() string {
	return f.path
}

// Names returns the configured environment names, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Environments))
	for name := range f.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Environment returns the named environment. The local environment exists
// even when not configured and uses the simulated backend.
func (f *File) Environment(name string) (*Environment, error) {
	if name == "" {
		name = DefaultEnvironment
	}
	if env, ok := f.Environments[name]; ok {
		if env.Backend == "" {
			env.Backend = "sim"
		}
		return env, nil
	}
	if name == DefaultEnvironment {
		return &Environment{Backend: "sim"}, nil
	}
	return nil, fmt.Errorf("unknown environment %q (configured: %v)", name, f.Names())
}

func (e *Environment) validate() error {
	switch e.Backend {
	case "", "sim":
	case "docker":
		if e.Docker == nil || e.Docker.Image == "" {
			return fmt.Errorf("docker backend requires docker.image")
		}
	case "grpc":
		if e.GRPC == nil || e.GRPC.Address == "" {
			return fmt.Errorf("grpc backend requires grpc.address")
		}
	default:
		return fmt.Errorf("unknown backend %q", e.Backend)
	}
	if e.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative")
	}
	if _, err := e.TimeoutDuration(); err != nil {
		return err
	}
	if _, err := e.RetryPolicy(); err != nil {
		return err
	}
	return nil
}

// TimeoutDuration returns the per-node timeout, zero when unset.
func (e *Environment) TimeoutDuration() (time.Duration, error) {
	if e.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(e.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", e.Timeout, err)
	}
	return d, nil
}

// RetryPolicy returns the engine retry policy, starting from the engine
// defaults and overriding what the environment sets.
func (e *Environment) RetryPolicy() (*engine.RetryPolicy, error) {
	policy := engine.DefaultRetryPolicy()
	if e.Retry == nil {
		return policy, nil
	}
	if e.Retry.MaxRetries != nil {
		if *e.Retry.MaxRetries < 0 {
			return nil, fmt.Errorf("retry.max_retries must not be negative")
		}
		policy.MaxRetries = *e.Retry.MaxRetries
	}
	if e.Retry.BaseDelay != "" {
		d, err := time.ParseDuration(e.Retry.BaseDelay)
		if err != nil {
			return nil, fmt.Errorf("invalid retry.base_delay %q: %w", e.Retry.BaseDelay, err)
		}
		policy.BaseDelay = d
	}
	if e.Retry.MaxDelay != "" {
		d, err := time.ParseDuration(e.Retry.MaxDelay)
		if err != nil {
			return nil, fmt.Errorf("invalid retry.max_delay %q: %w", e.Retry.MaxDelay, err)
		}
		policy.MaxDelay = d
	}
	return policy, nil
}

// Configure applies the environment's parallelism, retry and timeout to eng.
func (e *Environment) Configure(eng *engine.Engine) error {
	policy, err := e.RetryPolicy()
	if err != nil {
		return err
	}
	timeout, err := e.TimeoutDuration()
	if err != nil {
		return err
	}
	eng.Retry = policy
	if timeout > 0 {
		eng.Timeout = timeout
	}
	if e.Parallelism > 0 {
		eng.Parallelism = e.Parallelism
	}
	return nil
}

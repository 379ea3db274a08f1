package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go"

	"github.com/picklr-io/rollout/pkg/provisioner"
)

// Value prefixes understood by the resolver.
const (
	prefixSSM    = "ssm:"
	prefixSecret = "secret:"
	prefixEnv    = "env:"
)

type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver expands ssm:, secret: and env: values. AWS clients are created on
// first use so purely local environments never need AWS credentials.
type Resolver struct {
	region string
	getenv func(string) string

	once    sync.Once
	initErr error
	ssm     ssmAPI
	secrets secretsAPI
}

// NewResolver returns a resolver using the default AWS credential chain.
// An empty region defers to the AWS configuration.
func NewResolver(region string) *Resolver {
	return &Resolver{region: region, getenv: os.Getenv}
}

func (r *Resolver) clients(ctx context.Context) error {
	r.once.Do(func() {
		if r.ssm != nil && r.secrets != nil {
			return
		}
		var opts []func(*awsconfig.LoadOptions) error
		if r.region != "" {
			opts = append(opts, awsconfig.WithRegion(r.region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			r.initErr = fmt.Errorf("unable to load AWS config: %w", err)
			return
		}
		if r.ssm == nil {
			r.ssm = ssm.NewFromConfig(cfg)
		}
		if r.secrets == nil {
			r.secrets = secretsmanager.NewFromConfig(cfg)
		}
	})
	return r.initErr
}

// Resolve returns the concrete value of v. Values without a known prefix are
// returned unchanged. A secret may select one key of a JSON secret with
// "secret:<id>#<key>".
func (r *Resolver) Resolve(ctx context.Context, v string) (string, error) {
	switch {
	case strings.HasPrefix(v, prefixEnv):
		name := strings.TrimPrefix(v, prefixEnv)
		value := r.getenv(name)
		if value == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return value, nil

	case strings.HasPrefix(v, prefixSSM):
		if err := r.clients(ctx); err != nil {
			return "", err
		}
		name := strings.TrimPrefix(v, prefixSSM)
		out, err := r.ssm.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(name),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			if apiErrorCode(err) == "ParameterNotFound" {
				return "", fmt.Errorf("ssm parameter %s not found", name)
			}
			return "", fmt.Errorf("failed to read ssm parameter %s: %w", name, err)
		}
		if out.Parameter == nil {
			return "", fmt.Errorf("ssm parameter %s has no value", name)
		}
		return aws.ToString(out.Parameter.Value), nil

	case strings.HasPrefix(v, prefixSecret):
		if err := r.clients(ctx); err != nil {
			return "", err
		}
		id, key, _ := strings.Cut(strings.TrimPrefix(v, prefixSecret), "#")
		out, err := r.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
		if err != nil {
			if apiErrorCode(err) == "ResourceNotFoundException" {
				return "", fmt.Errorf("secret %s not found", id)
			}
			return "", fmt.Errorf("failed to read secret %s: %w", id, err)
		}
		secret := aws.ToString(out.SecretString)
		if key == "" {
			return secret, nil
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(secret), &fields); err != nil {
			return "", fmt.Errorf("secret %s is not a JSON object: %w", id, err)
		}
		field, ok := fields[key]
		if !ok {
			return "", fmt.Errorf("secret %s has no key %q", id, key)
		}
		return fmt.Sprint(field), nil
	}
	return v, nil
}

// RunContext resolves every value of env into the run context handed to the
// backend. The run id is left empty for the engine to assign.
func (r *Resolver) RunContext(ctx context.Context, name string, env *Environment) (*provisioner.RunContext, error) {
	rc := &provisioner.RunContext{
		Environment: name,
		Vars:        make(map[string]string, len(env.Vars)),
	}

	var err error
	if rc.Endpoint, err = r.Resolve(ctx, env.Endpoint); err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}
	if rc.Identity, err = r.Resolve(ctx, env.Identity); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	for key, raw := range env.Credentials {
		value, err := r.Resolve(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("credentials.%s: %w", key, err)
		}
		if key == "token" {
			rc.Credentials.Token = value
			continue
		}
		if rc.Credentials.Extras == nil {
			rc.Credentials.Extras = make(map[string]string)
		}
		rc.Credentials.Extras[key] = value
	}

	for key, raw := range env.Vars {
		value, err := r.Resolve(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("vars.%s: %w", key, err)
		}
		rc.Vars[key] = value
	}
	return rc, nil
}

func apiErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

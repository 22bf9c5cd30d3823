// Package secrets resolves signer keys and API tokens from AWS Secrets Manager or the
// environment.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

const (
	SchemeSecret = "secret://"
	SchemeEnv    = "env://"
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type smClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManager reads secrets by name or ARN.
type SecretsManager struct {
	client smClient
}

func NewSecretsManager(ctx context.Context) (*SecretsManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewSecretsManagerWithClient(client smClient) (*SecretsManager, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &SecretsManager{client: client}, nil
}

func (p *SecretsManager) Get(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", fmt.Errorf("secrets: get %q: %w", key, err)
	}
	if out.SecretString != nil {
		if v := strings.TrimSpace(*out.SecretString); v != "" {
			return v, nil
		}
	}
	if len(out.SecretBinary) > 0 {
		return strings.TrimSpace(string(out.SecretBinary)), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type Env struct{}

func (Env) Get(_ context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Resolver expands references of the form secret://<id> and env://<NAME>. Any other
// value is returned as is.
type Resolver struct {
	// Secrets serves secret:// references. It is created on first use when nil.
	Secrets Provider
	Env     Provider
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, SchemeSecret):
		if r.Secrets == nil {
			sm, err := NewSecretsManager(ctx)
			if err != nil {
				return "", err
			}
			r.Secrets = sm
		}
		return r.Secrets.Get(ctx, strings.TrimPrefix(ref, SchemeSecret))
	case strings.HasPrefix(ref, SchemeEnv):
		env := r.Env
		if env == nil {
			env = Env{}
		}
		return env.Get(ctx, strings.TrimPrefix(ref, SchemeEnv))
	default:
		return ref, nil
	}
}

package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Secret reference prefixes
const (
	secretEnvPrefix            = "env:"
	secretSecretsManagerPrefix = "secretsmanager:"
)

// SecretsManagerAPI is the part of the Secrets Manager client the resolver
// uses
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretResolver turns secret references into values. A reference is a
// literal, env:NAME or secretsmanager:<secret-id>.
type SecretResolver struct {
	// Region for the Secrets Manager client. Empty uses the default chain.
	Region string

	mu     sync.Mutex
	client SecretsManagerAPI
	cache  map[string]string
}

// NewSecretResolver creates a resolver. client may be nil, in which case a
// Secrets Manager client is created from the default AWS config on first use.
func NewSecretResolver(region string, client SecretsManagerAPI) *SecretResolver {
	return &SecretResolver{
		Region: region,
		client: client,
		cache:  make(map[string]string),
	}
}

// Resolve returns the value behind ref. Secrets Manager values are cached.
func (r *SecretResolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case ref == "":
		return "", nil

	case strings.HasPrefix(ref, secretEnvPrefix):
		name := strings.TrimPrefix(ref, secretEnvPrefix)
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return value, nil

	case strings.HasPrefix(ref, secretSecretsManagerPrefix):
		return r.fromSecretsManager(ctx, strings.TrimPrefix(ref, secretSecretsManagerPrefix))

	default:
		return ref, nil
	}
}

func (r *SecretResolver) fromSecretsManager(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("secretsmanager reference has no secret id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache[id]; ok {
		return v, nil
	}

	if r.client == nil {
		var opts []func(*awsconfig.LoadOptions) error
		if r.Region != "" {
			opts = append(opts, awsconfig.WithRegion(r.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return "", fmt.Errorf("failed to load AWS config: %w", err)
		}
		r.client = secretsmanager.NewFromConfig(cfg)
	}

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", id)
	}

	r.cache[id] = *out.SecretString
	return *out.SecretString, nil
}

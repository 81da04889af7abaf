package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/hashicorp/vault/api"
)

// ErrSecretNotFound is returned when a provider has no value for a key
var ErrSecretNotFound = errors.New("secret not found")

// Secret keys resolved by LoadSecrets
const (
	SecretRedisPassword      = "redis_password"
	SecretClickHousePassword = "clickhouse_password"
)

// SecretManager retrieves backend credentials
type SecretManager interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

// EnvSecretManager reads SENTINEL_<KEY> environment variables
type EnvSecretManager struct{}

func (e *EnvSecretManager) GetSecret(_ context.Context, key string) (string, error) {
	envKey := "SENTINEL_" + strings.ToUpper(key)
	value := os.Getenv(envKey)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set: %w", envKey, ErrSecretNotFound)
	}
	return value, nil
}

// VaultSecretManager reads keys from one HashiCorp Vault secret
type VaultSecretManager struct {
	client *api.Client
	path   string
}

func NewVaultSecretManager(config *Config) (*VaultSecretManager, error) {
	client, err := api.NewClient(&api.Config{
		Address: config.Secrets.Vault.Address,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	// NewClient already picked up VAULT_TOKEN
	if config.Secrets.Vault.Token != "" {
		client.SetToken(config.Secrets.Vault.Token)
	}

	path := config.Secrets.Vault.Path
	if path == "" {
		path = "secret/sentinel"
	}
	return &VaultSecretManager{client: client, path: path}, nil
}

func (v *VaultSecretManager) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path)
	if err != nil {
		return "", fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no secret at path %s: %w", v.path, ErrSecretNotFound)
	}

	value, ok := secret.Data[key]
	if !ok {
		return "", fmt.Errorf("key %s not in Vault secret: %w", key, ErrSecretNotFound)
	}
	strValue, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret value for key %s is not a string", key)
	}
	return strValue, nil
}

// AWSSecretManager reads keys from one JSON secret in AWS Secrets Manager
type AWSSecretManager struct {
	client   secretsmanageriface.SecretsManagerAPI
	secretID string
}

func NewAWSSecretManager(config *Config) (*AWSSecretManager, error) {
	awsConfig := &aws.Config{Region: aws.String(config.Secrets.AWS.Region)}
	if config.Secrets.AWS.AccessKey != "" && config.Secrets.AWS.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.Secrets.AWS.AccessKey,
			config.Secrets.AWS.SecretKey,
			"",
		)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return newAWSSecretManager(secretsmanager.New(sess), config.Secrets.AWS.SecretID), nil
}

func newAWSSecretManager(client secretsmanageriface.SecretsManagerAPI, secretID string) *AWSSecretManager {
	if secretID == "" {
		secretID = "sentinel/secrets"
	}
	return &AWSSecretManager{client: client, secretID: secretID}
}

func (a *AWSSecretManager) GetSecret(ctx context.Context, key string) (string, error) {
	result, err := a.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(a.secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret from AWS: %w", err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("AWS secret %s has no string value: %w", a.secretID, ErrSecretNotFound)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return "", fmt.Errorf("failed to parse AWS secret JSON: %w", err)
	}
	value, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("key %s not in AWS secret: %w", key, ErrSecretNotFound)
	}
	return value, nil
}

// NewSecretManager creates the secret manager named by secrets.provider
func NewSecretManager(config *Config) (SecretManager, error) {
	switch config.Secrets.Provider {
	case "", "env":
		return &EnvSecretManager{}, nil
	case "vault":
		return NewVaultSecretManager(config)
	case "aws":
		return NewAWSSecretManager(config)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Secrets.Provider)
	}
}

// LoadSecrets fills backend passwords that the config file and environment left
// empty. A key the provider does not hold leaves the password empty; any other
// provider failure is returned.
func LoadSecrets(ctx context.Context, config *Config, manager SecretManager) error {
	targets := []struct {
		key   string
		field *string
	}{
		{SecretRedisPassword, &config.Redis.Password},
		{SecretClickHousePassword, &config.ClickHouse.Password},
	}

	for _, t := range targets {
		if *t.field != "" {
			continue
		}
		value, err := manager.GetSecret(ctx, t.key)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", t.key, err)
		}
		*t.field = value
	}
	return nil
}

// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package util

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWS IAM credential file paths (vault-injected in Kubernetes deployments)
const (
	DefaultAWSKeyFile  = "/vault/secrets/awscrmextractorkey"
	DefaultAWSPassFile = "/vault/secrets/awscrmextractorpass"
)

// AWSCredentials are optional static credentials. Empty fields fall back to the SDK default chain.
type AWSCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// resolve returns explicit credentials, or the vault files when neither
// explicit nor environment credentials are present.
func (c AWSCredentials) resolve() AWSCredentials {
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		return c
	}
	if os.Getenv("AWS_ACCESS_KEY_ID") != "" && os.Getenv("AWS_SECRET_ACCESS_KEY") != "" {
		return AWSCredentials{}
	}
	key, errKey := os.ReadFile(DefaultAWSKeyFile)
	pass, errPass := os.ReadFile(DefaultAWSPassFile)
	if errKey != nil || errPass != nil {
		return AWSCredentials{}
	}
	return AWSCredentials{
		AccessKeyID:     strings.TrimSpace(string(key)),
		SecretAccessKey: strings.TrimSpace(string(pass)),
	}
}

// LoadAWSConfig builds an AWS config with the following priority:
// 1. explicit credentials (flags)
// 2. AWS SDK default chain (environment, shared config, SSO, IAM roles)
// 3. vault files, only when nothing else is configured in the environment
func LoadAWSConfig(ctx context.Context, region string, creds AWSCredentials) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if c := creds.resolve(); c.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("create AWS config: %w", err)
	}
	return awsCfg, nil
}

// SecretsAPI is the Secrets Manager call used here.
// This allows mocking in tests.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsClient creates a Secrets Manager client.
func NewSecretsClient(awsCfg aws.Config) SecretsAPI {
	return secretsmanager.NewFromConfig(awsCfg)
}

// GetSecretJSON fetches the current version of a secret and decodes it into out.
func GetSecretJSON(ctx context.Context, client SecretsAPI, secretName string, out any) error {
	if secretName == "" {
		return fmt.Errorf("secret name is required for Secrets Manager")
	}

	res, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretName),
		VersionStage: aws.String("AWSCURRENT"),
	})
	if err != nil {
		return fmt.Errorf("get secret value: %w", err)
	}
	if res.SecretString == nil {
		return fmt.Errorf("secret string empty for %s", secretName)
	}
	if err := json.Unmarshal([]byte(*res.SecretString), out); err != nil {
		return fmt.Errorf("parse secret json: %w", err)
	}
	return nil
}

// OAuthSecret is the JSON layout of the CRM OAuth secret.
type OAuthSecret struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// GetOAuthSecret retrieves CRM OAuth client credentials from Secrets Manager.
func GetOAuthSecret(ctx context.Context, client SecretsAPI, secretName string) (*OAuthSecret, error) {
	var s OAuthSecret
	if err := GetSecretJSON(ctx, client, secretName, &s); err != nil {
		return nil, err
	}
	if s.ClientID == "" || s.ClientSecret == "" || s.RefreshToken == "" {
		return nil, fmt.Errorf("secret %s must contain client_id, client_secret and refresh_token", secretName)
	}
	return &s, nil
}

// GetPasswordFromSecretsManager retrieves the database password from AWS Secrets Manager.
// The secret JSON is expected to contain a "password" field.
func GetPasswordFromSecretsManager(ctx context.Context, client SecretsAPI, secretName string) (string, error) {
	var payload struct {
		Password string `json:"password"`
	}
	if err := GetSecretJSON(ctx, client, secretName, &payload); err != nil {
		return "", err
	}
	if payload.Password == "" {
		return "", fmt.Errorf("password field empty in secret %s", secretName)
	}
	return payload.Password, nil
}

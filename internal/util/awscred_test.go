// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package util

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeSecrets struct {
	values map[string]string
	err    error
	calls  []secretsmanager.GetSecretValueInput
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls = append(f.calls, *in)
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return &secretsmanager.GetSecretValueOutput{}, nil
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestGetOAuthSecret(t *testing.T) {
	client := &fakeSecrets{values: map[string]string{
		"crm/oauth":   `{"client_id":"cid","client_secret":"cs","refresh_token":"rt"}`,
		"crm/partial": `{"client_id":"cid"}`,
		"crm/broken":  `{"client_id":`,
	}}

	got, err := GetOAuthSecret(context.Background(), client, "crm/oauth")
	if err != nil {
		t.Fatalf("GetOAuthSecret() error = %v", err)
	}
	if *got != (OAuthSecret{ClientID: "cid", ClientSecret: "cs", RefreshToken: "rt"}) {
		t.Errorf("GetOAuthSecret() = %+v", got)
	}
	if v := aws.ToString(client.calls[0].VersionStage); v != "AWSCURRENT" {
		t.Errorf("VersionStage = %s, want AWSCURRENT", v)
	}

	for _, name := range []string{"crm/partial", "crm/broken", "crm/missing", ""} {
		if _, err := GetOAuthSecret(context.Background(), client, name); err == nil {
			t.Errorf("GetOAuthSecret(%q) expected error", name)
		}
	}
}

func TestGetPasswordFromSecretsManager(t *testing.T) {
	client := &fakeSecrets{values: map[string]string{
		"rds!cluster-1": `{"username":"admin","password":"s3cret"}`,
		"rds!empty":     `{"username":"admin"}`,
	}}

	pwd, err := GetPasswordFromSecretsManager(context.Background(), client, "rds!cluster-1")
	if err != nil || pwd != "s3cret" {
		t.Errorf("GetPasswordFromSecretsManager() = %q, %v", pwd, err)
	}
	if _, err := GetPasswordFromSecretsManager(context.Background(), client, "rds!empty"); err == nil {
		t.Error("expected error for empty password")
	}

	failing := &fakeSecrets{err: errors.New("AccessDeniedException")}
	if _, err := GetPasswordFromSecretsManager(context.Background(), failing, "rds!cluster-1"); err == nil {
		t.Error("expected error from Secrets Manager")
	}
}

func TestLoadAWSConfig_StaticCredentials(t *testing.T) {
	awsCfg, err := LoadAWSConfig(context.Background(), "eu-west-1", AWSCredentials{
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "session",
	})
	if err != nil {
		t.Fatalf("LoadAWSConfig() error = %v", err)
	}
	if awsCfg.Region != "eu-west-1" {
		t.Errorf("Region = %s, want eu-west-1", awsCfg.Region)
	}
	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if creds.AccessKeyID != "AKIAEXAMPLE" || creds.SessionToken != "session" {
		t.Errorf("credentials = %+v", creds)
	}
}

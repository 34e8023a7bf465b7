// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package aws implements a secret store backed by the AWS
// Secrets Manager.
package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/hpcshed/keyfleet/internal/secret"
)

// Credentials are static AWS credentials: access key,
// secret key and session token.
type Credentials struct {
	AccessKey    string // The AWS access key
	SecretKey    string // The AWS secret key
	SessionToken string // The AWS session token
}

// Config is the configuration of an AWS Secrets Manager
// secret store.
type Config struct {
	// Addr is the HTTP address of the AWS Secrets Manager.
	// In general, the address has the following form:
	//  secretsmanager.<region>.amazonaws.com
	Addr string

	// Region is the AWS region. Even though the Addr endpoint
	// contains that information already, this field is
	// mandatory.
	Region string

	// Login contains the AWS credentials (access/secret key).
	Login Credentials
}

// Connect establishes a session to the AWS Secrets Manager
// with the given configuration.
func Connect(config *Config) (*SecretsManager, error) {
	creds := credentials.NewStaticCredentials(
		config.Login.AccessKey,
		config.Login.SecretKey,
		config.Login.SessionToken,
	)
	if config.Login.AccessKey == "" && config.Login.SecretKey == "" && config.Login.SessionToken == "" {
		// If all login credentials are empty we pass no (not empty)
		// credentials to the AWS SDK. The SDK will then fetch the
		// credentials from the environment, the shared credentials
		// file or the EC2 instance metadata service. In particular,
		// on an EC2 head node the SDK picks up the temp. credentials
		// of the instance's IAM role automatically.
		creds = nil
	}

	session, err := session.NewSessionWithOptions(session.Options{
		Config: aws.Config{
			Endpoint:    aws.String(config.Addr),
			Region:      aws.String(config.Region),
			Credentials: creds,
		},
		SharedConfigState: session.SharedConfigDisable,
	})
	if err != nil {
		return nil, err
	}
	return &SecretsManager{
		config: *config,
		client: secretsmanager.New(session),
	}, nil
}

// SecretsManager is a secret store that fetches cluster key
// material from the AWS Secrets Manager.
// See: https://aws.amazon.com/secrets-manager
type SecretsManager struct {
	config Config
	client *secretsmanager.SecretsManager
}

var _ secret.Store = (*SecretsManager)(nil)

// Get fetches the secret value stored under ref, which is the
// name or ARN of an AWS secret. It returns secret.ErrNotFound
// if no such secret exists.
func (s *SecretsManager) Get(ctx context.Context, ref string) (string, error) {
	response, err := s.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		if err, ok := err.(awserr.Error); ok {
			switch err.Code() {
			case secretsmanager.ErrCodeResourceNotFoundException:
				return "", secret.ErrNotFound
			case secretsmanager.ErrCodeDecryptionFailure:
				return "", fmt.Errorf("aws: cannot access '%s': %v", ref, err)
			}
		}
		return "", fmt.Errorf("aws: failed to read '%s': %v", ref, err)
	}

	// AWS has two different ways to store a secret. Either as
	// "SecretString" or as "SecretBinary". While they *seem* to
	// be equivalent from an API point of view, the AWS console
	// only shows "SecretString", not "SecretBinary". AWS demands
	// that only one of them is present.
	if response.SecretString != nil {
		return *response.SecretString, nil
	}
	return string(response.SecretBinary), nil
}

func (s *SecretsManager) String() string {
	return "aws-secrets-manager: " + s.config.Addr
}

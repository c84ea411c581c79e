// Package paramstore looks configuration values up in SSM Parameter Store.
// Services use it at startup to resolve deployment-owned settings (queue
// names, database DSN) without baking them into the config file.
package paramstore

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
)

// Config holds Parameter Store client configuration.
type Config struct {
	Region string
	// Prefix is prepended to every parameter name, e.g. "/ticketd/prod".
	Prefix string
	// Endpoint overrides the API endpoint, for LocalStack-style setups.
	Endpoint string
}

// Client reads parameters under a fixed prefix.
type Client struct {
	ssm    *ssm.SSM
	prefix string
}

// New creates a Parameter Store client.
func New(cfg *Config) (*Client, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}

	return &Client{ssm: ssm.New(sess), prefix: cfg.Prefix}, nil
}

// GetParameter fetches a decrypted parameter value by name relative to the
// prefix.
func (c *Client) GetParameter(name string) (string, error) {
	fullName := c.prefix + "/" + name

	out, err := c.ssm.GetParameter(&ssm.GetParameterInput{
		Name:           aws.String(fullName),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", fullName, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", fullName)
	}
	return *out.Parameter.Value, nil
}

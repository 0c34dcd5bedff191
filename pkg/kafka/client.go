package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/aws"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// AuthType specifies the authentication method for Kafka.
type AuthType int

const (
	AuthTypeNone AuthType = iota
	AuthTypeSCRAM
	AuthTypeAWSMSK
)

func ParseAuthType(s string) (AuthType, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return AuthTypeNone, nil
	case "scram":
		return AuthTypeSCRAM, nil
	case "aws-msk", "iam":
		return AuthTypeAWSMSK, nil
	default:
		return AuthTypeNone, fmt.Errorf("unknown kafka auth type %q", s)
	}
}

// Config holds the connection settings shared by sources and collectors.
type Config struct {
	Brokers     []string
	User        string
	Pass        string
	AuthType    AuthType
	TLSDisabled bool
}

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if c.AuthType == AuthTypeSCRAM && c.User == "" {
		return errors.New("kafka user is required for scram auth")
	}
	return nil
}

// Opts returns the client options for the connection settings.
func (c *Config) Opts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}

	switch c.AuthType {
	case AuthTypeSCRAM:
		opts = append(opts, kgo.SASL(scram.Auth{
			User: c.User,
			Pass: c.Pass,
		}.AsSha256Mechanism()))
	case AuthTypeAWSMSK:
		opts = append(opts, kgo.SASL(aws.ManagedStreamingIAM(func(ctx context.Context) (aws.Auth, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return aws.Auth{}, fmt.Errorf("error loading aws config: %w", err)
			}
			creds, err := cfg.Credentials.Retrieve(ctx)
			if err != nil {
				return aws.Auth{}, fmt.Errorf("error retrieving credentials: %w", err)
			}
			return aws.Auth{
				AccessKey:    creds.AccessKeyID,
				SecretKey:    creds.SecretAccessKey,
				SessionToken: creds.SessionToken,
			}, nil
		})))
	}

	if !c.TLSDisabled {
		opts = append(opts, kgo.DialTLS())
	}
	return opts
}

// EnsureTopic creates topic if it does not exist.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopic(ctx, partitions, -1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}
	if resp.Err != nil && !strings.Contains(resp.Err.Error(), "TOPIC_ALREADY_EXISTS") {
		return fmt.Errorf("create topic %s: %w", topic, resp.Err)
	}
	return nil
}

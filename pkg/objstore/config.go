package objstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultRegion = "us-east-1"

// S3Config holds configuration for S3-compatible storage (AWS S3, MinIO, etc.)
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint is empty for AWS, e.g. "http://localhost:9000" for MinIO.
	Endpoint string
	Region   string
	UseSSL   bool
	// URLStyle is "path" or "virtual".
	URLStyle string
}

// IsMinIO reports whether the endpoint is a non-AWS S3-compatible server.
func (c *S3Config) IsMinIO() bool {
	return c.Endpoint != "" && !strings.Contains(c.Endpoint, "amazonaws.com")
}

func getenv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// LoadS3ConfigFromEnv reads S3_* variables, falling back to AWS_*. With no
// credentials set the returned config relies on the default AWS credential
// chain (IRSA, instance roles).
func LoadS3ConfigFromEnv() (*S3Config, error) {
	accessKeyID := getenv("S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID")
	secretAccessKey := getenv("S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY")
	if accessKeyID == "" && secretAccessKey != "" {
		return nil, errors.New("S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY is set but S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID is missing")
	}
	if accessKeyID != "" && secretAccessKey == "" {
		return nil, errors.New("S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID is set but S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY is missing (for IRSA, leave both unset)")
	}

	cfg := &S3Config{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Endpoint:        getenv("S3_ENDPOINT", "AWS_ENDPOINT_URL"),
		Region:          getenv("S3_REGION", "AWS_REGION"),
		URLStyle:        "path",
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	cfg.UseSSL = !cfg.IsMinIO()
	if v := os.Getenv("S3_USE_SSL"); v != "" {
		cfg.UseSSL = v == "true" || v == "1"
	}
	if v := os.Getenv("S3_URL_STYLE"); v != "" {
		cfg.URLStyle = v
	}
	if cfg.IsMinIO() && (cfg.AccessKeyID == "" || cfg.SecretAccessKey == "") {
		return nil, fmt.Errorf("MinIO requires both S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY to be set (endpoint: %s)", cfg.Endpoint)
	}
	return cfg, nil
}

// NewClient builds an S3 client for cfg.
func NewClient(ctx context.Context, cfg *S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
				scheme := "http://"
				if cfg.UseSSL {
					scheme = "https://"
				}
				endpoint = scheme + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.URLStyle != "virtual"
	}), nil
}

// ParseURI splits s3://bucket/prefix into bucket and prefix.
func ParseURI(uri string) (bucket, prefix string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 URI: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("s3 URI must look like s3://bucket/prefix (got: %q)", uri)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

type bucketAPI interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// EnsureBucket creates bucket when it does not exist. Only local MinIO
// endpoints are bootstrapped; other endpoints are left alone.
func EnsureBucket(ctx context.Context, log *slog.Logger, client bucketAPI, cfg *S3Config, bucket string) error {
	if !isLocalEndpoint(cfg.Endpoint) {
		return nil
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}
	log.Info("creating MinIO bucket", "bucket", bucket, "endpoint", cfg.Endpoint)
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	return strings.HasPrefix(host, "localhost") ||
		strings.HasPrefix(host, "127.0.0.1") ||
		strings.Contains(host, "host.docker.internal")
}

// PrepareForURI loads S3 settings for an s3:// URI and bootstraps its bucket
// on local MinIO. It returns nil for non-S3 URIs.
func PrepareForURI(ctx context.Context, log *slog.Logger, uri string) (*S3Config, error) {
	if !strings.HasPrefix(uri, "s3://") {
		return nil, nil
	}
	cfg, err := LoadS3ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
	}
	bucket, _, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := EnsureBucket(ctx, log, client, cfg, bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure MinIO bucket exists: %w", err)
	}
	return cfg, nil
}

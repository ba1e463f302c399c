// Package s3blob stores chat media in S3 or an S3-compatible service such as
// MinIO.
package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/LuminPulse-AI/chatsync"
)

// Config holds connection settings.
type Config struct {
	Endpoint        string `toml:"endpoint,omitempty" mapstructure:"endpoint"`
	Region          string `toml:"region,omitempty" mapstructure:"region"`
	Bucket          string `toml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `toml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	UsePathStyle    bool   `toml:"use_path_style,omitempty" mapstructure:"use_path_style"` // required for MinIO
	PublicURL       string `toml:"public_url,omitempty" mapstructure:"public_url"`         // prefix for returned URLs
	// MaxAttempts caps SDK retries; zero keeps the SDK default.
	MaxAttempts int `toml:"max_attempts,omitempty" mapstructure:"max_attempts"`
}

// Uploader implements chatsync.BlobStore.
type Uploader struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

var _ chatsync.BlobStore = (*Uploader)(nil)

// New creates an Uploader.
func New(ctx context.Context, cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3blob: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		publicURL = defaultPublicURL(cfg)
	}
	return &Uploader{client: client, bucket: cfg.Bucket, publicURL: publicURL}, nil
}

func defaultPublicURL(cfg Config) string {
	if cfg.Endpoint != "" {
		base := strings.TrimRight(cfg.Endpoint, "/")
		if cfg.UsePathStyle {
			return base + "/" + cfg.Bucket
		}
		if u, err := url.Parse(base); err == nil {
			u.Host = cfg.Bucket + "." + u.Host
			return u.String()
		}
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
}

// Upload stores data under path and returns its URL.
func (u *Uploader) Upload(ctx context.Context, data []byte, path, contentType string) (string, error) {
	key := strings.TrimLeft(path, "/")
	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return "", classify(fmt.Errorf("failed to upload to S3: %w", err))
	}
	return u.publicURL + "/" + escapeKey(key), nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func classify(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
			return chatsync.Rejected("upload", err)
		}
	}
	return chatsync.Transient("upload", err)
}

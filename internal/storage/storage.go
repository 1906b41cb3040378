// Package storage reads dataset objects from S3, HTTP(S) or the local filesystem.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/dante-gpu/clustercheck/internal/config"
)

// AnonymousUser in an s3:// URI requests unsigned access to a public bucket.
const AnonymousUser = "anonymous"

// ErrUnsupportedScheme is returned for URIs that are not s3, http(s) or file.
var ErrUnsupportedScheme = errors.New("unsupported storage scheme")

// Location is a parsed object URI.
type Location struct {
	Scheme    string
	Bucket    string
	Key       string
	Path      string
	Anonymous bool
	Raw       string
}

// ParseURI parses s3://[anonymous@]bucket/key, http(s)://..., file:///path or a bare path.
func ParseURI(raw string) (Location, error) {
	if !strings.Contains(raw, "://") {
		if raw == "" {
			return Location{}, fmt.Errorf("empty dataset uri: %w", ErrUnsupportedScheme)
		}
		return Location{Scheme: "file", Path: raw, Raw: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("invalid uri %q: %w", raw, err)
	}

	loc := Location{Scheme: strings.ToLower(u.Scheme), Raw: raw}
	switch loc.Scheme {
	case "s3":
		loc.Bucket = u.Host
		loc.Key = strings.TrimPrefix(u.Path, "/")
		loc.Anonymous = u.User != nil && u.User.Username() == AnonymousUser
		if loc.Bucket == "" || loc.Key == "" {
			return Location{}, fmt.Errorf("s3 uri %q needs a bucket and key", raw)
		}
	case "http", "https":
	case "file":
		loc.Path = u.Path
	default:
		return Location{}, fmt.Errorf("%q: %w", u.Scheme, ErrUnsupportedScheme)
	}
	return loc, nil
}

// S3ClientFactory builds the S3 client used for a read.
type S3ClientFactory func(ctx context.Context, anonymous bool) (manager.DownloadAPIClient, error)

// Reader fetches whole objects into memory.
type Reader struct {
	cfg        config.StorageConfig
	logger     *zap.Logger
	httpClient *http.Client
	newS3      S3ClientFactory
}

// Option customises a Reader.
type Option func(*Reader)

// WithS3ClientFactory replaces the default AWS client construction.
func WithS3ClientFactory(f S3ClientFactory) Option {
	return func(r *Reader) { r.newS3 = f }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reader) { r.httpClient = c }
}

// NewReader creates a Reader for cfg.
func NewReader(cfg config.StorageConfig, logger *zap.Logger, opts ...Option) *Reader {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	r := &Reader{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.ReadTimeout},
	}
	r.newS3 = r.defaultS3Client
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read returns the full contents of the object at uri.
func (r *Reader) Read(ctx context.Context, uri string) ([]byte, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	start := time.Now()
	var data []byte
	switch loc.Scheme {
	case "s3":
		data, err = r.readS3(ctx, loc)
	case "http", "https":
		data, err = r.readHTTP(ctx, loc)
	case "file":
		data, err = os.ReadFile(loc.Path)
		if err != nil {
			err = fmt.Errorf("failed to read %s: %w", loc.Path, err)
		}
	}
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Object read",
		zap.String("uri", uri),
		zap.Int("bytes", len(data)),
		zap.Duration("took", time.Since(start)),
	)
	return data, nil
}

func (r *Reader) readS3(ctx context.Context, loc Location) ([]byte, error) {
	client, err := r.newS3(ctx, loc.Anonymous)
	if err != nil {
		return nil, err
	}

	buf := manager.NewWriteAtBuffer(nil)
	downloader := manager.NewDownloader(client)
	if _, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	}); err != nil {
		return nil, fmt.Errorf("failed to download s3://%s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return buf.Bytes(), nil
}

func (r *Reader) defaultS3Client(ctx context.Context, anonymous bool) (manager.DownloadAPIClient, error) {
	opts := []func(*aws_config.LoadOptions) error{}
	if r.cfg.Region != "" {
		opts = append(opts, aws_config.WithRegion(r.cfg.Region))
	}
	switch {
	case anonymous:
		opts = append(opts, aws_config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	case r.cfg.AccessKeyID != "":
		opts = append(opts, aws_config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(r.cfg.AccessKeyID, r.cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := aws_config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if !anonymous {
		// Public buckets are still readable when no credentials are configured.
		if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
			r.logger.Debug("No AWS credentials found, using anonymous access", zap.Error(err))
			awsCfg.Credentials = aws.AnonymousCredentials{}
		}
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if r.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(r.cfg.Endpoint)
		}
		o.UsePathStyle = r.cfg.UsePathStyle
	}), nil
}

func (r *Reader) readHTTP(ctx context.Context, loc Location) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.Raw, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", loc.Raw, err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", loc.Raw, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: unexpected status %s", loc.Raw, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", loc.Raw, err)
	}
	return data, nil
}

// Package storage reads objects from IBM Cloud Object Storage through the
// IBM COS SDK, authenticating with an IAM API key.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/IBM/ibm-cos-sdk-go/aws"
	"github.com/IBM/ibm-cos-sdk-go/aws/awserr"
	"github.com/IBM/ibm-cos-sdk-go/aws/credentials/ibmiam"
	"github.com/IBM/ibm-cos-sdk-go/aws/session"
	"github.com/IBM/ibm-cos-sdk-go/service/s3"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object too large")
)

const (
	DefaultIAMEndpoint = "https://iam.cloud.ibm.com/identity/token"
	DefaultRegion      = "us-standard"
)

type Options struct {
	Endpoint       string // e.g. https://s3.us-south.cloud-object-storage.appdomain.cloud
	Region         string
	Bucket         string
	APIKey         string
	InstanceCRN    string
	IAMEndpoint    string
	Timeout        time.Duration
	MaxObjectBytes int64
	MaxRetries     int
}

type COS struct {
	opts   Options
	client *s3.S3
	logger *slog.Logger
}

func NewCOS(opts Options, logger *slog.Logger) (*COS, error) {
	if strings.TrimSpace(opts.Endpoint) == "" || strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("cos: endpoint and bucket are required")
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("cos: api key is required")
	}
	if opts.IAMEndpoint == "" {
		opts.IAMEndpoint = DefaultIAMEndpoint
	}
	if opts.Region == "" {
		opts.Region = DefaultRegion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	if opts.MaxObjectBytes <= 0 {
		opts.MaxObjectBytes = 200 << 20
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	// The IAM provider exchanges the API key for a bearer token and
	// refreshes it before expiry.
	creds := ibmiam.NewStaticCredentials(aws.NewConfig().WithHTTPClient(httpClient),
		opts.IAMEndpoint, opts.APIKey, opts.InstanceCRN)

	conf := aws.NewConfig().
		WithEndpoint(strings.TrimRight(opts.Endpoint, "/")).
		WithRegion(opts.Region).
		WithCredentials(creds).
		WithS3ForcePathStyle(true).
		WithHTTPClient(httpClient).
		WithMaxRetries(opts.MaxRetries)

	sess, err := session.NewSession(conf)
	if err != nil {
		return nil, fmt.Errorf("cos session: %w", err)
	}

	return &COS{opts: opts, client: s3.New(sess), logger: logger}, nil
}

// Fetch downloads the whole object named key.
func (c *COS) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := c.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(strings.TrimLeft(key, "/")),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	if n := aws.Int64Value(out.ContentLength); n > c.opts.MaxObjectBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrObjectTooLarge, n, c.opts.MaxObjectBytes)
	}
	data, err := io.ReadAll(io.LimitReader(out.Body, c.opts.MaxObjectBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	if int64(len(data)) > c.opts.MaxObjectBytes {
		return nil, fmt.Errorf("%w: exceeds %dMB", ErrObjectTooLarge, c.opts.MaxObjectBytes>>20)
	}

	c.logger.DebugContext(ctx, "object fetched", "bucket", c.opts.Bucket, "key", key, "bytes", len(data))
	return data, nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	var rf awserr.RequestFailure
	return errors.As(err, &rf) && rf.StatusCode() == http.StatusNotFound
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/octagon-trust/interfaces"
)

// S3Config locates a bucket prefix. Without credentials the backend can only
// read publicly readable objects, which is enough for policy documents.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

func (c S3Config) uri() string {
	auth := ""
	if c.AccessKey != "" {
		auth = c.AccessKey + ":***@"
	}
	uri := fmt.Sprintf("s3://%s%s/%s?region=%s", auth, c.Bucket, c.Prefix, c.Region)
	if c.Endpoint != "" {
		uri += "&endpoint=" + c.Endpoint
	}
	return uri
}

// S3Backend stores content in an S3 compatible bucket under
// prefix/<content type>/<content id>.
type S3Backend struct {
	client   *s3.S3
	cfg      S3Config
	prefix   string
	readOnly bool
	log      *slog.Logger
}

func NewS3Backend(cfg S3Config, log *slog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", interfaces.ErrInvalidLocationURI)
	}

	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}

	readOnly := cfg.AccessKey == "" || cfg.SecretKey == ""
	if readOnly {
		awsCfg = awsCfg.WithCredentials(credentials.AnonymousCredentials)
		log.Warn("No S3 credentials provided, backend is read-only", slog.String("bucket", cfg.Bucket))
	} else {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:   s3.New(sess),
		cfg:      cfg,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		readOnly: readOnly,
		log:      log,
	}, nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
}

func (b *S3Backend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	key := b.objectKey(id, contentType)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		b.log.Error("Failed to get object from S3", slog.String("key", key), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	b.log.Debug("Fetched content from S3",
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// Store uploads data under its content ID. Policy documents are public so
// devices can fetch them without credentials; revision archives stay
// private to the bucket owner.
func (b *S3Backend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	if b.readOnly {
		return id, fmt.Errorf("s3 backend %s has no write credentials", b.cfg.Bucket)
	}

	acl := s3.ObjectCannedACLPrivate
	if contentType == interfaces.PolicyDocumentType {
		acl = s3.ObjectCannedACLPublicRead
	}

	key := b.objectKey(id, contentType)
	if _, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		ACL:    aws.String(acl),
	}); err != nil {
		return id, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	b.log.Debug("Stored content in S3", slog.String("key", key))
	return id, nil
}

func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.cfg.Bucket)})
	if err != nil {
		b.log.Warn("S3 backend unavailable", slog.String("bucket", b.cfg.Bucket), "err", err)
		return false
	}
	return true
}

func (b *S3Backend) Name() string {
	return "s3-" + b.cfg.Bucket
}

func (b *S3Backend) LocationURI() string {
	return b.cfg.uri()
}

func (b *S3Backend) objectKey(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(b.prefix, contentType.String(), id.String())
}

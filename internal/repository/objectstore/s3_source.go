// Package objectstore loads position sets from MinIO or any S3-compatible
// store. Objects are record streams, decompressed by key extension.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"fleet/internal/config"
	"fleet/internal/domain/entities"
	"fleet/internal/recordio"
)

var ErrNotFound = errors.New("object not found")

// ParseURI splits s3://bucket/key into its parts.
func ParseURI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse %q: %w", uri, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("%q is not an s3:// uri", uri)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%q must name a bucket and a key", uri)
	}
	return bucket, key, nil
}

// NewClient builds a minio client from the object store settings.
func NewClient(cfg config.ObjectStoreConfig) (*minio.Client, error) {
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
}

// Source reads one object.
type Source struct {
	client *minio.Client
	bucket string
	key    string
}

func NewSource(client *minio.Client, bucket, key string) *Source {
	return &Source{client: client, bucket: bucket, key: key}
}

// Open parses uri and connects with cfg.
func Open(uri string, cfg config.ObjectStoreConfig) (*Source, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return NewSource(client, bucket, key), nil
}

func (s *Source) Load(ctx context.Context) ([]entities.VehiclePosition, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap(err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	positions, err := recordio.Decode(obj, recordio.CompressionForName(s.key))
	if err != nil {
		return nil, s.wrap(err)
	}
	return positions, nil
}

// Save uploads positions, replacing the object.
func (s *Source) Save(ctx context.Context, positions []entities.VehiclePosition) error {
	var buf bytes.Buffer
	if err := recordio.Encode(&buf, positions, recordio.CompressionForName(s.key)); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.key, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return s.wrap(err)
	}
	return nil
}

func (s *Source) wrap(err error) error {
	// The decoder wraps read errors, so ToErrorResponse alone would miss them.
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		resp = minio.ToErrorResponse(err)
	}
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.Code == "NotFound" {
		return fmt.Errorf("%s: %w", s.Describe(), ErrNotFound)
	}
	return fmt.Errorf("%s: %w", s.Describe(), err)
}

func (s *Source) Describe() string { return "s3://" + s.bucket + "/" + s.key }

func (s *Source) Close() error { return nil }

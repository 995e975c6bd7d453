// Package blob implements C1 Blob Store Gateway: NDJSON artifact
// upload/download for robot dispatch batches and import sources, backed
// by S3-compatible object storage. No teacher precedent in the pack
// uses an object store, so the client below follows aws-sdk-go-v2's own
// idiomatic manager/presign style.
package blob

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openbiblio/corpus/pkg/errstax"
)

// Config holds the bucket and prefix a Store writes under.
type Config struct {
	Bucket string
	Prefix string
}

// Store wraps an S3 client with the uploader/downloader pkg/dispatch and
// pkg/ingest need for NDJSON reference exports and robot result files.
type Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	presigner  *s3.PresignClient
	cfg        Config
}

// NewStore constructs a Store from an already-configured aws.Config
// (region/credentials resolved by the caller's config chain).
func NewStore(awsCfg aws.Config, cfg Config) *Store {
	client := s3.NewFromConfig(awsCfg)
	return &Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		presigner:  s3.NewPresignClient(client),
		cfg:        cfg,
	}
}

func (s *Store) key(name string) string {
	if s.cfg.Prefix == "" {
		return name
	}
	return s.cfg.Prefix + "/" + name
}

// PutNDJSON uploads body under key, returning the object's storage key
// (not a public URL — callers that need one call PresignGet).
func (s *Store) PutNDJSON(ctx context.Context, name string, body []byte) (string, error) {
	key := s.key(name)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", errstax.WrapSDK("blob.PutNDJSON", err)
	}
	return key, nil
}

// Get downloads the object at key into memory, used by robot result
// ingestion (spec §4.5) where result files are bounded in size.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errstax.WrapSDK("blob.Get", err)
	}
	return buf.Bytes(), nil
}

// PresignGet issues a time-limited signed URL for key, handed to robots
// as the reference_file_url in a RobotEnhancementBatch (spec §4.4).
func (s *Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", errstax.WrapSDK("blob.PresignGet", err)
	}
	return req.URL, nil
}

// PresignPut issues a time-limited signed URL a robot can PUT its result
// file to, avoiding a proxy hop through the API for large result bodies.
func (s *Store) PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", errstax.WrapSDK("blob.PresignPut", err)
	}
	return req.URL, nil
}

// StreamNDJSON copies an NDJSON stream to the object at key without
// buffering the whole body in memory, used for large import sources
// (spec §4.1's bulk import path).
func (s *Store) StreamNDJSON(ctx context.Context, name string, r io.Reader) (string, error) {
	key := s.key(name)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", errstax.WrapSDK("blob.StreamNDJSON", err)
	}
	return key, nil
}

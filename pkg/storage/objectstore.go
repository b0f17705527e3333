package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// S3Store is an object-store-backed Store using the AWS SDK. url_for
// returns publicBase/key when a public base is configured and an
// s3://bucket/key URI otherwise; it never returns a pre-signed URL.
type S3Store struct {
	client     *s3.Client
	bucket     string
	publicBase string
}

// NewS3Store wraps an existing *s3.Client for bucket. publicBase, if
// non-empty, is used as the prefix returned by URLFor (e.g. a CDN domain).
func NewS3Store(client *s3.Client, bucket, publicBase string) *S3Store {
	return &S3Store{client: client, bucket: bucket, publicBase: publicBase}
}

func (s *S3Store) PutBytes(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("storage: s3 put failed: %w", err)
	}
	return s.URLFor(key), nil
}

func (s *S3Store) GetBytes(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		var notFound *smithyhttp.ResponseError
		if errors.As(err, &notFound) && notFound.HTTPStatusCode() == 404 {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: s3 get failed: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		var notFound *smithyhttp.ResponseError
		if errors.As(err, &notFound) && notFound.HTTPStatusCode() == 404 {
			return false, nil
		}
		return false, fmt.Errorf("storage: s3 head failed: %w", err)
	}
	return true, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: s3 list failed: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

func (s *S3Store) URLFor(key string) string {
	if s.publicBase != "" {
		return s.publicBase + "/" + key
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// GCSStore is an object-store-backed Store using the Google Cloud Storage
// client library.
type GCSStore struct {
	client     *storage.Client
	bucket     string
	publicBase string
}

// NewGCSStore wraps an existing *storage.Client for bucket.
func NewGCSStore(client *storage.Client, bucket, publicBase string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket, publicBase: publicBase}
}

func (g *GCSStore) object(key string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(key)
}

func (g *GCSStore) PutBytes(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	w := g.object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if len(metadata) > 0 {
		w.Metadata = metadata
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: gcs commit failed: %w", err)
	}
	return g.URLFor(key), nil
}

func (g *GCSStore) GetBytes(ctx context.Context, key string) ([]byte, error) {
	r, err := g.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: gcs read failed: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return false, nil
		}
		return false, fmt.Errorf("storage: gcs attrs failed: %w", err)
	}
	return true, nil
}

func (g *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: gcs list failed: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (g *GCSStore) URLFor(key string) string {
	if g.publicBase != "" {
		return g.publicBase + "/" + key
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, key)
}

var _ Store = (*S3Store)(nil)
var _ Store = (*GCSStore)(nil)

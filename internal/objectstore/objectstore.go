// Package objectstore persists rendered PDF artifacts (legal-vote
// protocols, training participation reports) to an S3-compatible
// bucket and enforces the per-tenant storage quota.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/RoseWrightdev/signaling-core/internal/metrics"
)

// ErrStorageExceeded is returned when persisting an artifact would push
// a tenant past its storage quota. Callers surface it as the
// StorageExceeded module error kind without failing the vote/report
// logic itself.
var ErrStorageExceeded = errors.New("objectstore: tenant storage quota exceeded")

// AssetId identifies a persisted artifact.
type AssetId string

// Asset describes a persisted artifact.
type Asset struct {
	Id       AssetId
	Filename string
	Size     int64
}

// s3API is the slice of the S3 client this package uses; narrowed for
// test substitution.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store is the object-store collaborator.
type Store struct {
	client          s3API
	bucket          string
	tenantQuotaSize int64 // bytes; 0 disables the quota check
	cb              *gobreaker.CircuitBreaker
}

// New builds a Store against an S3-compatible endpoint. accessKeyID and
// secretAccessKey may be empty when the environment provides ambient
// credentials.
func New(endpoint, region, bucket, accessKeyID, secretAccessKey string, tenantQuotaSize int64) *Store {
	opts := s3.Options{Region: region}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	if accessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")
	}
	return NewWithClient(s3.New(opts), bucket, tenantQuotaSize)
}

// NewWithClient builds a Store around an existing client; tests pass a
// fake s3API here.
func NewWithClient(client s3API, bucket string, tenantQuotaSize int64) *Store {
	st := gobreaker.Settings{
		Name:        "objectstore-s3",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
		},
	}
	return &Store{
		client:          client,
		bucket:          bucket,
		tenantQuotaSize: tenantQuotaSize,
		cb:              gobreaker.NewCircuitBreaker(st),
	}
}

func tenantPrefix(tenant string) string { return "tenants/" + tenant + "/" }

// Put persists data under the tenant's prefix and returns the asset
// record. Returns ErrStorageExceeded when the tenant's used bytes plus
// len(data) would exceed the configured quota.
func (s *Store) Put(ctx context.Context, tenant, filename string, data []byte) (*Asset, error) {
	if s.tenantQuotaSize > 0 {
		used, err := s.tenantUsage(ctx, tenant)
		if err != nil {
			return nil, err
		}
		if used+int64(len(data)) > s.tenantQuotaSize {
			return nil, ErrStorageExceeded
		}
	}

	id := AssetId(uuid.NewString())
	key := tenantPrefix(tenant) + string(id) + "/" + filename

	_, err := s.cb.Execute(func() (any, error) {
		return s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/pdf"),
		})
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("objectstore-s3").Inc()
		}
		return nil, fmt.Errorf("objectstore: put %s: %w", key, err)
	}

	return &Asset{Id: id, Filename: filename, Size: int64(len(data))}, nil
}

// Delete removes an asset.
func (s *Store) Delete(ctx context.Context, tenant string, id AssetId, filename string) error {
	key := tenantPrefix(tenant) + string(id) + "/" + filename
	_, err := s.cb.Execute(func() (any, error) {
		return s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	return nil
}

// tenantUsage sums the size of every object under the tenant's prefix.
func (s *Store) tenantUsage(ctx context.Context, tenant string) (int64, error) {
	var total int64
	var continuation *string
	for {
		res, err := s.cb.Execute(func() (any, error) {
			return s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(tenantPrefix(tenant)),
				ContinuationToken: continuation,
			})
		})
		if err != nil {
			return 0, fmt.Errorf("objectstore: list tenant %s: %w", tenant, err)
		}
		out := res.(*s3.ListObjectsV2Output)
		for _, obj := range out.Contents {
			if obj.Size != nil {
				total += *obj.Size
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return total, nil
		}
		continuation = out.NextContinuationToken
	}
}

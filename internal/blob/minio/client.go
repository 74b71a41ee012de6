package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/metrics"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/circuitbreaker"
	"github.com/kbdoc/backend/pkg/logger"
)

// Client stores document bytes with one bucket per knowledge base.
type Client struct {
	client *minio.Client
	region string
	cb     *circuitbreaker.CircuitBreaker

	mu      sync.Mutex
	buckets map[string]struct{}
}

func NewClient(endpoint, accessKey, secretKey, region string, useSSL bool) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("blob", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, apperr.ErrNotFound)
		},
		Logger: logger.GetLogger(),
	})

	logger.Info("MinIO blob store initialized", zap.String("endpoint", endpoint))

	return &Client{
		client:  mc,
		region:  region,
		cb:      cb,
		buckets: make(map[string]struct{}),
	}, nil
}

func (c *Client) execute(ctx context.Context, op string, fn func() error) error {
	err := c.cb.Execute(ctx, fn)
	if err == nil || errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	metrics.StoreErrors.WithLabelValues("blob").Inc()
	return apperr.Storage("blob", op, err)
}

func (c *Client) ensureBucket(ctx context.Context, bucket string) error {
	c.mu.Lock()
	_, known := c.buckets[bucket]
	c.mu.Unlock()
	if known {
		return nil
	}

	exists, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		err = c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.region})
		if err != nil && !isBucketOwned(err) {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("Bucket created", zap.String("bucket", bucket))
	}

	c.mu.Lock()
	c.buckets[bucket] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Put overwrites bucket/key with data, creating the bucket on demand.
func (c *Client) Put(ctx context.Context, bucket, key string, data []byte) error {
	return c.execute(ctx, "put", func() error {
		if err := c.ensureBucket(ctx, bucket); err != nil {
			return err
		}
		_, err := c.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "application/octet-stream"})
		if err != nil {
			return fmt.Errorf("failed to put object: %w", err)
		}
		logger.Debug("Object stored", zap.String("bucket", bucket), zap.String("key", key), zap.Int("size", len(data)))
		return nil
	})
}

// Get returns apperr.ErrNotFound when the bucket or object is absent.
func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := c.execute(ctx, "get", func() error {
		obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return classify(bucket, key, err)
		}
		defer obj.Close()

		data, err = io.ReadAll(obj)
		if err != nil {
			return classify(bucket, key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	err := c.execute(ctx, "stat", func() error {
		_, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
		if err != nil {
			return classify(bucket, key, err)
		}
		return nil
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes bucket/key. A missing object is not an error.
func (c *Client) Remove(ctx context.Context, bucket, key string) error {
	err := c.execute(ctx, "remove", func() error {
		err := c.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
		if err != nil {
			return classify(bucket, key, err)
		}
		return nil
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) Health(ctx context.Context) error {
	_, err := c.client.ListBuckets(ctx)
	return err
}

func classify(bucket, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return apperr.NotFound("object", bucket+"/"+key)
	}
	if resp.StatusCode == http.StatusNotFound {
		return apperr.NotFound("object", bucket+"/"+key)
	}
	return err
}

func isBucketOwned(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists"
}

// Package storage wraps the S3-compatible object store (Cloudflare R2) that
// holds profile photos, posters, newsletter artwork and the editable daily
// template.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"rotarydesk/internal/config"
	"rotarydesk/internal/types"
)

// ErrObjectNotFound is matched with errors.Is when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Object is a fetched object body with its stored content type.
type Object struct {
	Key         string
	ContentType string
	Data        []byte
}

// R2Store is an object store client bound to a single bucket.
type R2Store struct {
	client *minio.Client
	bucket string
}

// NewR2Store creates a client for cfg. The endpoint may be given with or
// without a scheme; UseSSL decides the transport.
func NewR2Store(cfg config.StorageConfig) (*R2Store, error) {
	host, secure := endpointHost(cfg.Endpoint, cfg.UseSSL)
	client, err := minio.New(host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey.Unmask(), ""),
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &R2Store{client: client, bucket: cfg.Bucket}, nil
}

func endpointHost(endpoint string, useSSL bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), false
	}
	return strings.TrimSuffix(endpoint, "/"), useSSL
}

// Get fetches an object. A missing key returns an AppError that matches
// ErrObjectNotFound.
func (s *R2Store) Get(ctx context.Context, key string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError("get", key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, s.mapError("stat", key, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapError("read", key, err)
	}
	return &Object{Key: key, ContentType: info.ContentType, Data: data}, nil
}

// Put uploads data under key, replacing any existing object.
func (s *R2Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return s.mapError("put", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *R2Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return s.mapError("delete", key, err)
	}
	return nil
}

// Ping checks object store connectivity.
func (s *R2Store) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

// IsNotFound reports whether err is a missing-object error, either our own
// sentinel or an S3 error response.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrObjectNotFound) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket"
}

func (s *R2Store) mapError(op, key string, err error) error {
	if IsNotFound(err) {
		return types.NewAppErrorWithDetails(types.ErrCodeNotFoundObject, "object not found",
			fmt.Errorf("%w: %s", ErrObjectNotFound, key), map[string]any{"key": key})
	}
	return types.NewAppErrorWithDetails(types.ErrCodeInternalStorage, "object store "+op+" failed",
		err, map[string]any{"key": key})
}

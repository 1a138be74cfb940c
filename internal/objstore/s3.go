package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// presignExpiry bounds the lifetime of GrantAccess URLs.
const presignExpiry = 24 * time.Hour

// S3Config holds the parameters for an S3-compatible backend (AWS S3,
// MinIO, or any provider the user's bucket credentials point at).
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Store stores objects in an S3-compatible bucket. This is the shared,
// untrusted store multiple devices actually sync through.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3 initializes a MinIO/S3 client and ensures the bucket exists.
func NewS3(ctx context.Context, cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: s3: new client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, NewStorageError("bucket exists", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{})
		if err != nil {
			return nil, NewStorageError("make bucket "+cfg.Bucket, err)
		}
	}

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

var _ Store = (*S3Store)(nil)

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)

	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}

func (s *S3Store) Read(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, NewStorageError("read "+key, err)
	}

	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("read %q: %w", key, ErrNotFound)
		}

		return nil, NewStorageError("read "+key, err)
	}

	return data, nil
}

func (s *S3Store) Write(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return NewStorageError("write "+key, err)
	}

	return nil
}

func (s *S3Store) ReadRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("read range %q: invalid range [%d,%d)", key, start, end)
	}

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("read range %q: %w", key, ErrNotFound)
		}

		return nil, NewStorageError("stat "+key, err)
	}

	if start > info.Size {
		start = info.Size
	}

	if end > info.Size {
		end = info.Size
	}

	if end <= start {
		return []byte{}, nil
	}

	opts := minio.GetObjectOptions{}

	err = opts.SetRange(start, end-1)
	if err != nil {
		return nil, fmt.Errorf("read range %q: set range: %w", key, err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, NewStorageError("read range "+key, err)
	}

	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, NewStorageError("read range "+key, err)
	}

	return data, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, NewStorageError("list "+prefix, obj.Err)
		}

		keys = append(keys, obj.Key)
	}

	sort.Strings(keys)

	return keys, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return NewStorageError("delete "+key, err)
	}

	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}

		return false, NewStorageError("exists "+key, err)
	}

	return true, nil
}

// GrantAccess issues a pre-signed URL for member: the pre-baked connection
// parameters a credentialed backend can hand out without sharing its own
// keys.
func (s *S3Store) GrantAccess(ctx context.Context, member string) (AccessGrant, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, member, presignExpiry, nil)
	if err != nil {
		return AccessGrant{}, NewStorageError("grant access "+member, err)
	}

	return AccessGrant{Bucket: s.bucket, URL: u.String()}, nil
}

// RevokeAccess is a no-op: pre-signed URLs expire on their own and this
// backend has no per-member ACL to revoke.
func (s *S3Store) RevokeAccess(_ context.Context, _ string) error {
	return nil
}

package kv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const s3ExpiresMeta = "Expires-At"

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// S3Store keeps each entry as a zstd-compressed object. Expiry is stored in
// object metadata and enforced on read; pair it with a bucket lifecycle rule
// to reclaim space.
type S3Store struct {
	client     *minio.Client
	bucketName string
	region     string
	prefix     string
	now        func() time.Time

	enc *zstd.Encoder
	dec *zstd.Decoder

	ready lazyInit
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &S3Store{
		client:     client,
		bucketName: bucket,
		region:     region,
		prefix:     strings.TrimLeft(strings.TrimSpace(cfg.Prefix), "/"),
		now:        time.Now,
		enc:        enc,
		dec:        dec,
	}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	err := s.ready.Do(func() error {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil || exists {
			return err
		}
		return s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	if err != nil {
		return unavailable("s3 ensure bucket", err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, _, ok, err := s.GetWithExpiry(ctx, key)
	return v, ok, err
}

func (s *S3Store) GetWithExpiry(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, time.Time{}, false, err
	}
	obj, err := s.client.GetObject(ctx, s.bucketName, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, time.Time{}, false, unavailable("s3 get", err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isNoSuchKey(err) {
			return nil, time.Time{}, false, nil
		}
		return nil, time.Time{}, false, unavailable("s3 stat", err)
	}
	at := metaExpiry(info.UserMetadata)
	if !at.IsZero() && !s.now().Before(at) {
		_ = s.client.RemoveObject(ctx, s.bucketName, s.objectKey(key), minio.RemoveObjectOptions{})
		return nil, time.Time{}, false, nil
	}
	compressed, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, time.Time{}, false, nil
		}
		return nil, time.Time{}, false, unavailable("s3 read", err)
	}
	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return raw, at, true, nil
}

func (s *S3Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	compressed := s.enc.EncodeAll(value, nil)
	meta := map[string]string{}
	if ttl > 0 {
		meta[s3ExpiresMeta] = s.now().Add(ttl).UTC().Format(time.RFC3339)
	}
	_, err := s.client.PutObject(ctx, s.bucketName, s.objectKey(key), bytes.NewReader(compressed), int64(len(compressed)), minio.PutObjectOptions{
		ContentType:     "application/json",
		ContentEncoding: "zstd",
		UserMetadata:    meta,
	})
	return unavailable("s3 put", err)
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	err := s.client.RemoveObject(ctx, s.bucketName, s.objectKey(key), minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return unavailable("s3 delete", err)
	}
	return nil
}

func (s *S3Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	out := make([]string, 0)
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:       s.objectKey(prefix),
		Recursive:    true,
		WithMetadata: true,
	}) {
		if obj.Err != nil {
			return nil, unavailable("s3 list", obj.Err)
		}
		if obj.Key == "" || s.expired(obj.UserMetadata) {
			continue
		}
		out = append(out, strings.TrimPrefix(obj.Key, s.prefix))
	}
	sort.Strings(out)
	return out, nil
}

func (s *S3Store) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

func (s *S3Store) objectKey(key string) string { return s.prefix + key }

func (s *S3Store) expired(meta map[string]string) bool {
	at := metaExpiry(meta)
	return !at.IsZero() && !s.now().Before(at)
}

// metaExpiry reads the expiry metadata; zero when absent or unparsable.
func metaExpiry(meta map[string]string) time.Time {
	for k, v := range meta {
		name := strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		if name != strings.ToLower(s3ExpiresMeta) {
			continue
		}
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}
		}
		return at
	}
	return time.Time{}
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

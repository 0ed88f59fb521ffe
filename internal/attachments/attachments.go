// Package attachments issues presigned URLs for files attached to quotation
// messages. Files go straight from the client to S3-compatible storage.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	uploadExpiry   = 15 * time.Minute
	downloadExpiry = time.Hour
)

var (
	ErrNotFound   = errors.New("attachment not found")
	ErrForeignKey = errors.New("attachment key does not belong to this quotation")
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type objectClient interface {
	PresignedPutObject(ctx context.Context, bucketName, objectName string, expires time.Duration) (*url.URL, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

type Store struct {
	client objectClient
	bucket string
}

// Upload is returned to the client, which PUTs the file body to URL.
type Upload struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Object struct {
	Key         string
	Size        int64
	ContentType string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	name = unsafeChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-.")
	if name == "" {
		return "file"
	}
	if len(name) > 100 {
		name = name[len(name)-100:]
	}
	return name
}

func prefix(quotationID string) string {
	return "quotations/" + quotationID + "/"
}

// KeyFor builds the object key for a new upload.
func KeyFor(quotationID, fileName string) string {
	return prefix(quotationID) + uuid.NewString() + "-" + sanitizeName(fileName)
}

// BelongsTo reports whether key was issued for quotationID.
func BelongsTo(key, quotationID string) bool {
	return strings.HasPrefix(key, prefix(quotationID)) && !strings.Contains(key, "..")
}

func (s *Store) PresignUpload(ctx context.Context, quotationID, fileName string) (Upload, error) {
	key := KeyFor(quotationID, fileName)
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, uploadExpiry)
	if err != nil {
		return Upload{}, fmt.Errorf("presign upload: %w", err)
	}
	return Upload{Key: key, URL: u.String(), ExpiresAt: time.Now().Add(uploadExpiry).UTC()}, nil
}

func (s *Store) PresignDownload(ctx context.Context, quotationID, key string) (string, error) {
	if !BelongsTo(key, quotationID) {
		return "", ErrForeignKey
	}
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, downloadExpiry, params)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u.String(), nil
}

// Stat confirms an uploaded object exists before a message references it.
func (s *Store) Stat(ctx context.Context, quotationID, key string) (Object, error) {
	if !BelongsTo(key, quotationID) {
		return Object{}, ErrForeignKey
	}
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("stat attachment: %w", err)
	}
	return Object{Key: key, Size: info.Size, ContentType: info.ContentType}, nil
}

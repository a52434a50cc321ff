package archive

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"MAHA-Orchestrator/internal/config"
)

// MinioWriter 把对象写入 S3 兼容存储的单个桶。
type MinioWriter struct {
	client *minio.Client
	bucket string
}

// NewMinioWriter 根据配置创建客户端，并在桶不存在时创建它。
func NewMinioWriter(ctx context.Context, cfg config.ArchiveConfig) (*MinioWriter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	if strings.Contains(endpoint, "://") {
		return nil, fmt.Errorf("archive endpoint must not include scheme: %q", endpoint)
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	w := &MinioWriter{client: client, bucket: cfg.Bucket}
	if err := w.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *MinioWriter) ensureBucket(ctx context.Context, region string) error {
	exists, err := w.client.BucketExists(ctx, w.bucket)
	if err != nil {
		return fmt.Errorf("check archive bucket %s: %w", w.bucket, err)
	}
	if exists {
		return nil
	}
	if err := w.client.MakeBucket(ctx, w.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create archive bucket %s: %w", w.bucket, err)
	}
	return nil
}

// Put 实现 ObjectWriter。
func (w *MinioWriter) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := w.client.PutObject(ctx, w.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

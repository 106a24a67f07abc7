package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig 物件儲存鏡像設定
type MinioConfig struct {
	Endpoint        string // 例如 "minio:9000"（不含 http://）
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Region          string
	Bucket          string
	Object          string // 預設 "jobs.yml"
}

// MinioMirror 以 MinIO / S3 相容儲存保存快照副本
type MinioMirror struct {
	client *minio.Client
	cfg    MinioConfig
}

// NewMinioMirror 建立鏡像；不會連線，第一次 Put 時才確認 bucket
func NewMinioMirror(cfg MinioConfig) (*MinioMirror, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio mirror: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("minio mirror: bucket is required")
	}
	if cfg.Object == "" {
		cfg.Object = "jobs.yml"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioMirror{client: client, cfg: cfg}, nil
}

// Object 物件名稱
func (m *MinioMirror) Object() string { return m.cfg.Object }

// ensureBucket bucket 不存在時建立
func (m *MinioMirror) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	err = m.client.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{Region: m.cfg.Region})
	if err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", m.cfg.Bucket, err)
	}
	return nil
}

// Put 上傳快照
func (m *MinioMirror) Put(ctx context.Context, data []byte) error {
	if err := m.ensureBucket(ctx); err != nil {
		return err
	}
	_, err := m.client.PutObject(ctx, m.cfg.Bucket, m.cfg.Object,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/yaml"})
	if err != nil {
		return fmt.Errorf("put object failed: %w", err)
	}
	return nil
}

// Get 下載快照
func (m *MinioMirror) Get(ctx context.Context) ([]byte, error) {
	reader, err := m.client.GetObject(ctx, m.cfg.Bucket, m.cfg.Object, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.translate(err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, m.translate(err)
	}
	return data, nil
}

// translate 把「不存在」類的錯誤轉為 ErrSnapshotNotFound
func (m *MinioMirror) translate(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s/%s", ErrSnapshotNotFound, m.cfg.Bucket, m.cfg.Object)
	}
	return fmt.Errorf("get object failed: %w", err)
}

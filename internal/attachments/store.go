package attachments

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

const Namespace = "chat-attachments"

// FileStore persists an uploaded file and returns its storage path.
type FileStore interface {
	Store(ctx context.Context, namespace string, u Upload) (string, error)
}

func objectName(u Upload) string {
	name := uuid.NewString()
	if ext := u.Ext(); ext != "" {
		name += "." + ext
	}
	return name
}

type LocalStore struct {
	root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) Store(_ context.Context, namespace string, u Upload) (string, error) {
	dir := filepath.Join(s.root, filepath.FromSlash(namespace))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}
	name := objectName(u)
	if err := os.WriteFile(filepath.Join(dir, name), u.Data, 0o644); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return path.Join(namespace, name), nil
}

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Store struct {
	client putObjectAPI
	bucket string
	prefix string
}

type S3Config struct {
	Bucket string
	Region string
	Prefix string

	// Endpoint overrides the AWS endpoint, e.g. for MinIO.
	Endpoint string
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) Store(ctx context.Context, namespace string, u Upload) (string, error) {
	key := path.Join(strings.Trim(s.prefix, "/"), namespace, objectName(u))
	contentType := u.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(u.Data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload attachment to s3: %w", err)
	}
	return key, nil
}

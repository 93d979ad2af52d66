package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailsync/config"
	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/tracing"
	"github.com/customeros/mailsync/services/storage/aws_client"
)

const RawMessageContentType = "message/rfc822"

// RawMessageStore keeps the original RFC 5322 source of imported messages.
type RawMessageStore struct {
	client     aws_client.S3Client
	bucketName string
}

func NewRawMessageStore(client aws_client.S3Client, bucketName string) *RawMessageStore {
	return &RawMessageStore{client: client, bucketName: bucketName}
}

// NewR2RawMessageStore returns nil when R2 credentials are not configured.
func NewR2RawMessageStore(cfg *config.R2StorageConfig) (interfaces.StorageService, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client, err := aws_client.NewR2Client(aws_client.R2Config{
		AccountID:       cfg.AccountID,
		AccessKeyID:     cfg.AccessKeyID,
		AccessKeySecret: cfg.AccessKeySecret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create R2 client: %w", err)
	}
	return NewRawMessageStore(client, cfg.RawEmailBucket), nil
}

// RawMessageKey is the object key for one message. It only depends on the dedup key.
func RawMessageKey(userID, messageID string) string {
	hash := sha256.Sum256([]byte(messageID))
	return fmt.Sprintf("%s/%x.eml", userID, hash[:16])
}

func (s *RawMessageStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RawMessageStore.Upload")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("key", key, "size", len(data))

	if contentType == "" {
		contentType = RawMessageContentType
	}
	err := s.client.Upload(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Download reads an archived message back. It is the read path for consumers of
// EmailImported events, which carry the object key; the sync itself only uploads.
func (s *RawMessageStore) Download(ctx context.Context, key string) ([]byte, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RawMessageStore.Download")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("key", key)

	data, err := s.client.Download(ctx, s.bucketName, key)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return data, nil
}

// Delete removes an archived message, for consumers that prune raw objects after parsing.
func (s *RawMessageStore) Delete(ctx context.Context, key string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RawMessageStore.Delete")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("key", key)

	if err := s.client.Delete(ctx, s.bucketName, key); err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

package events

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
)

const (
	objectCreatedEvent = "s3:ObjectCreated:*"
	dropSuffix         = ".json"
)

// DropEvent is an ERP payload file that landed in the drop bucket under
// <tenant_id>/<idempotency_key>.json.
type DropEvent struct {
	TenantID       string
	IdempotencyKey string
	ObjectKey      string
	EventName      string
}

type DropSource interface {
	Run(ctx context.Context, handler func(context.Context, DropEvent) error) error
}

type MinioDropSource struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinioDropSource(client *minio.Client, bucket string, prefix string) *MinioDropSource {
	return &MinioDropSource{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// Run streams object-created notifications until ctx is canceled. Keys that
// do not follow the drop layout are ignored; a handler error stops the source.
func (s *MinioDropSource) Run(ctx context.Context, handler func(context.Context, DropEvent) error) error {
	notificationCh := s.client.ListenBucketNotification(ctx, s.bucket, s.prefix, dropSuffix, []string{objectCreatedEvent})
	for {
		select {
		case <-ctx.Done():
			return nil
		case info, ok := <-notificationCh:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("minio notification stream closed")
			}
			if info.Err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("minio notification stream error: %w", info.Err)
			}
			for _, record := range info.Records {
				objectKey, err := decodeObjectKey(record.S3.Object.Key)
				if err != nil {
					continue
				}
				tenantID, key, err := parseDropKey(strings.TrimPrefix(objectKey, s.prefix))
				if err != nil {
					continue
				}
				event := DropEvent{
					TenantID:       tenantID,
					IdempotencyKey: key,
					ObjectKey:      objectKey,
					EventName:      record.EventName,
				}
				if err := handler(ctx, event); err != nil {
					return err
				}
			}
		}
	}
}

func decodeObjectKey(encoded string) (string, error) {
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return "", err
	}
	decoded = strings.TrimSpace(decoded)
	if decoded == "" {
		return "", fmt.Errorf("object key is empty")
	}
	return decoded, nil
}

// parseDropKey splits <tenant_id>/<idempotency_key>.json. Nested folders
// below the tenant are not part of the key layout.
func parseDropKey(objectKey string) (string, string, error) {
	cleaned := strings.Trim(strings.ReplaceAll(objectKey, "\\", "/"), "/")
	parts := strings.Split(cleaned, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("object key %q does not match tenant_id/idempotency_key.json", objectKey)
	}
	tenantID := strings.TrimSpace(parts[0])
	filename := strings.TrimSpace(parts[1])
	if !strings.EqualFold(path.Ext(filename), dropSuffix) {
		return "", "", fmt.Errorf("object key %q is not a json drop", objectKey)
	}
	key := strings.TrimSpace(filename[:len(filename)-len(dropSuffix)])
	if tenantID == "" || key == "" {
		return "", "", fmt.Errorf("object key %q missing tenant id or idempotency key", objectKey)
	}
	return tenantID, key, nil
}

package streaming

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/canonical"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/models"
)

// Archiver stores an escalation event and returns the object key it used.
type Archiver interface {
	ArchiveEvent(ctx context.Context, ev models.EscalationEvent) (string, error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes canonical escalation event JSON to
//
//	s3://<bucket>/<prefix>/escalations/YYYY/MM/DD/<instanceID>/<eventID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver loads AWS configuration from the environment.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

func ObjectKey(prefix string, ev models.EscalationEvent) string {
	ts := ev.CreatedAt.UTC()
	if ev.CreatedAt.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	return path.Join(prefix, "escalations",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		ev.InstanceID,
		ev.ID+".json",
	)
}

func (s *S3Archiver) ArchiveEvent(ctx context.Context, ev models.EscalationEvent) (string, error) {
	body, err := canonical.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	key := ObjectKey(s.prefix, ev)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload: %w", err)
	}
	return key, nil
}

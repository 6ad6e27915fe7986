package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver persists audit exports to durable object storage so the
// verification hash can be checked against an offline copy later.
type Archiver interface {
	Archive(ctx context.Context, export AuditExport) (string, error)
	Fetch(ctx context.Context, exportID string) (AuditExport, error)
}

// S3Archiver stores exports in S3 (or any S3-compatible endpoint), one
// object per export, keyed by export id.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiverConfig configures an S3Archiver. Endpoint is optional and
// supports MinIO/LocalStack-style deployments.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Archiver creates an archiver against the given bucket.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("reconcile: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archiver) key(exportID string) string {
	return a.prefix + exportID + ".json"
}

// Archive uploads the export and returns the object key. Re-archiving the
// same export id overwrites with identical content, so retries are safe.
func (a *S3Archiver) Archive(ctx context.Context, export AuditExport) (string, error) {
	payload, err := json.Marshal(export)
	if err != nil {
		return "", fmt.Errorf("reconcile: marshal export: %w", err)
	}
	key := a.key(export.ExportID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"verification-hash": export.VerificationHash,
		},
	})
	if err != nil {
		return "", fmt.Errorf("reconcile: s3 put %s: %w", key, err)
	}
	return key, nil
}

// Fetch downloads an archived export and verifies its hash before
// returning it.
func (a *S3Archiver) Fetch(ctx context.Context, exportID string) (AuditExport, error) {
	key := a.key(exportID)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return AuditExport{}, fmt.Errorf("reconcile: s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return AuditExport{}, fmt.Errorf("reconcile: read %s: %w", key, err)
	}
	var export AuditExport
	if err := json.Unmarshal(raw, &export); err != nil {
		return AuditExport{}, fmt.Errorf("reconcile: decode %s: %w", key, err)
	}
	valid, err := Verify(export)
	if err != nil {
		return AuditExport{}, err
	}
	if !valid {
		return AuditExport{}, fmt.Errorf("reconcile: export %s failed hash verification", exportID)
	}
	return export, nil
}

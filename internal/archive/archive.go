// Package archive keeps a copy of consumed crash evidence after the evidence
// key is deleted, so operators can still inspect a job's crash history.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"job-lease-guard/internal/config"
	"job-lease-guard/internal/models"
)

// Record is what gets archived for each handled crash.
type Record struct {
	JobID       string              `json:"job_id"`
	Evidence    models.Evidence     `json:"evidence"`
	Orphaned    bool                `json:"orphaned,omitempty"`
	Outcome     models.CrashOutcome `json:"outcome"`
	DetectedAt  time.Time           `json:"detected_at"`
	ArchivedAt  time.Time           `json:"archived_at"`
	LedgerState models.JobState     `json:"ledger_state,omitempty"`
}

// NewRecord pairs a crash event with the tracker's verdict.
func NewRecord(ev models.CrashEvent, out models.CrashOutcome, now time.Time) Record {
	return Record{
		JobID:       ev.JobID,
		Evidence:    ev.Evidence,
		Orphaned:    ev.Orphaned,
		Outcome:     out,
		DetectedAt:  ev.DetectedAt,
		ArchivedAt:  now.UTC(),
		LedgerState: ev.LedgerState,
	}
}

// Key is the object key for r: "<job>/<epoch>.json".
func (r Record) Key() string {
	return sanitizeKey(r.JobID) + "/" + strconv.FormatUint(r.Evidence.Epoch, 10) + ".json"
}

// Sink stores archived crash records. Writes for the same job and epoch overwrite.
type Sink interface {
	Put(ctx context.Context, r Record) (string, error)
}

// New picks the S3 sink when a bucket is configured and the local sink otherwise.
func New(ctx context.Context, cfg config.Config) (Sink, error) {
	if cfg.ArchiveS3Bucket == "" {
		return NewLocal(cfg.ArchiveDir), nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3{client: client, bucket: cfg.ArchiveS3Bucket, prefix: cfg.ArchiveS3Prefix}, nil
}

// Local writes records as JSON files under a base directory.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "./crash-archive"
	}
	return &Local{baseDir: baseDir}
}

func (l *Local) Put(_ context.Context, r Record) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash record: %w", err)
	}
	p := filepath.Join(l.baseDir, filepath.FromSlash(r.Key()))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

// S3 uploads records to a bucket.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

func (s *S3) Put(ctx context.Context, r Record) (string, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal crash record: %w", err)
	}
	key := r.Key()
	if s.prefix != "" {
		key = path.Join(strings.Trim(s.prefix, "/"), key)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// sanitizeKey keeps a job id from escaping its directory.
func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, "..", "_")
	key = strings.NewReplacer("/", "_", "\\", "_").Replace(key)
	if key == "" || key == "." {
		return "_"
	}
	return key
}

// Package archive uploads finished analyses to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/loqalabs/interview-buddy/internal/config"
	"github.com/loqalabs/interview-buddy/internal/model"
)

const (
	analysisObject = "analysis.json"
	reportObject   = "report.xlsx"
	xlsxType       = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Putter is the part of the S3 client the archiver needs.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes <prefix>/<interview>/analysis.json and report.xlsx.
type S3Archiver struct {
	client Putter
	bucket string
	prefix string
	log    *slog.Logger
}

// NewS3Archiver builds a client from the default AWS chain, with static
// credentials and a custom endpoint when configured (R2, MinIO).
func NewS3Archiver(ctx context.Context, cfg config.ArchiveConfig, log *slog.Logger) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, log), nil
}

func NewWithClient(client Putter, bucket, prefix string, log *slog.Logger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    log.With(slog.String("component", "archive"), slog.String("bucket", bucket)),
	}
}

// Key returns the object key of name for an interview.
func (a *S3Archiver) Key(interviewID, name string) string {
	return path.Join(a.prefix, interviewID, name)
}

// Archive uploads the analysis and, when present, the report. It returns the
// report key, or the analysis key when there is no report.
func (a *S3Archiver) Archive(ctx context.Context, interviewID string, analysis model.AnalysisResult, report []byte) (string, error) {
	body, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode analysis: %w", err)
	}
	key := a.Key(interviewID, analysisObject)
	if err := a.put(ctx, key, "application/json", body); err != nil {
		return "", err
	}
	if len(report) == 0 {
		return key, nil
	}
	key = a.Key(interviewID, reportObject)
	if err := a.put(ctx, key, xlsxType, report); err != nil {
		return "", err
	}
	a.log.Info("interview archived", slog.String("interview_id", interviewID), slog.String("key", key))
	return key, nil
}

func (a *S3Archiver) put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

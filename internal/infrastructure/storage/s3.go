package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsmailer/mailing-service/internal/domain"
	"github.com/opsmailer/mailing-service/internal/logger"
)

const s3Scheme = "s3://"

type S3Config struct {
	Endpoint        string // empty for real AWS; set for MinIO/R2
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Store keeps uploaded CSVs in one bucket under uploads/<mailing-id>/.
// Works against AWS and S3-compatible stores (MinIO, R2).
type S3Store struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
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

	return &S3Store{client: client, bucket: cfg.Bucket, log: logger.Component("storage")}, nil
}

// EnsureBucket creates the bucket when it does not exist yet. Meant for
// dev environments backed by MinIO; production buckets are provisioned
// out of band.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}

	s.log.Info().Str("bucket", s.bucket).Msg("creating bucket")
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) Save(ctx context.Context, mailingID uuid.UUID, filename string, r io.Reader) (string, error) {
	key := fmt.Sprintf("uploads/%s/%s", mailingID, sanitizeFilename(filename))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return "", &domain.StorageError{Op: "save", Err: err}
	}

	s.log.Debug().
		Str("mailing_id", mailingID.String()).
		Str("key", key).
		Msg("csv stored in bucket")

	return s3Scheme + s.bucket + "/" + key, nil
}

func (s *S3Store) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, &domain.StorageError{Op: "open", Permanent: true, Err: err}
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		return nil, &domain.StorageError{Op: "open", Permanent: errors.As(err, &noKey), Err: err}
	}
	return out.Body, nil
}

func parseS3URL(url string) (bucket, key string, err error) {
	if !strings.HasPrefix(url, s3Scheme) {
		return "", "", fmt.Errorf("unsupported pointer %q", url)
	}
	rest := strings.TrimPrefix(url, s3Scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed object pointer %q", url)
	}
	return bucket, key, nil
}

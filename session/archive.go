package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-git/go-billy/v5"
)

const numArchiveRetries = 3

// s3Client is the slice of the S3 surface the archiver touches. The manager
// uploader needs the multipart operations for artifacts above its part size.
type s3Client interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3ArchiverParams configure the post-finalize S3 archive step.
type S3ArchiverParams struct {
	Region          string
	Bucket          string
	KeyPrefix       string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archiver copies finalized artifacts into an S3 bucket.
type S3Archiver struct {
	client    s3Client
	bucket    string
	keyPrefix string
	logger    log.Logger
}

// NewS3Archiver builds an archiver from explicit credentials, falling back
// to the default AWS credential chain when none are given.
func NewS3Archiver(ctx context.Context, params S3ArchiverParams, logger log.Logger) (*S3Archiver, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if params.Region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(params.Region),
	}
	if params.AccessKeyID != "" && params.SecretAccessKey != "" {
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Archiver{
		client:    s3.NewFromConfig(cfg),
		bucket:    params.Bucket,
		keyPrefix: params.KeyPrefix,
		logger:    logger,
	}, nil
}

// Archive uploads the named artifact. An object already present under the
// same key with the same size is assumed to be this artifact and skipped.
func (ar *S3Archiver) Archive(ctx context.Context, fs billy.Filesystem, name string, size int64, contentType string) error {
	key := ar.keyPrefix + name

	existingSize, found, err := ar.objectSize(ctx, key)
	if err != nil {
		return fmt.Errorf("check existing object: %w", err)
	}
	if found && existingSize == size {
		ar.logger.Debugf("Artifact %q already archived (%d bytes), skipping", key, size)
		return nil
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return retry.Times(numArchiveRetries).Wait(5 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := fs.Open(name)
		if err != nil {
			return fmt.Errorf("open artifact: %w", err), true
		}
		defer file.Close()

		uploader := manager.NewUploader(ar.client, func(u *manager.Uploader) {
			u.PartSize = 10 * 1024 * 1024
		})

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Body:          file,
			Bucket:        aws.String(ar.bucket),
			Key:           aws.String(key),
			ContentType:   aws.String(contentType),
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			return fmt.Errorf("upload artifact: %w", err), false
		}
		return nil, true
	})
}

// objectSize returns the content length of the object at key, or found=false
// when the key does not exist.
func (ar *S3Archiver) objectSize(ctx context.Context, key string) (int64, bool, error) {
	head, err := ar.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ar.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			switch apiError.(type) {
			case *types.NotFound:
				return 0, false, nil
			}
		}
		return 0, false, err
	}

	var size int64
	if head.ContentLength != nil {
		size = *head.ContentLength
	}
	return size, true, nil
}

package firmware

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/relabs-tech/dmpatterns/core/logger"
)

// DefaultURLExpiry is the validity of presigned package URIs
const DefaultURLExpiry = time.Hour

// S3Configuration is the configuration of the S3 package store
type S3Configuration struct {
	AWSRegion     string `env:"AWS_REGION,default=eu-central-1" description:"the AWS region of the package bucket"`
	AWSBucketName string `env:"AWS_BUCKET_NAME" description:"the bucket holding firmware packages"`
	AccessID      string `env:"AWS_ACCESS_ID" description:"the AWS access id"`
	AccessKey     string `env:"AWS_ACCESS_KEY" description:"the AWS secret access key"`
	KeyPrefix     string `env:"AWS_KEY_PREFIX,default=firmware/" description:"prefix of all package keys"`
}

// S3Store keeps firmware packages in AWS S3
type S3Store struct {
	config    aws.Config
	bucket    string
	keyPrefix string
}

// NewS3Store returns a new S3Store
func NewS3Store(ctx context.Context, s3Config S3Configuration) (*S3Store, error) {
	if s3Config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}
	options := []func(*config.LoadOptions) error{config.WithRegion(s3Config.AWSRegion)}
	if s3Config.AccessID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3Config.AccessID, s3Config.AccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("firmware S3 store enabled for bucket", s3Config.AWSBucketName)
	return &S3Store{config: cfg, bucket: s3Config.AWSBucketName, keyPrefix: s3Config.KeyPrefix}, nil
}

// Upload stores a package under key
func (s *S3Store) Upload(ctx context.Context, key string, data []byte) error {
	client := s3.NewFromConfig(s.config)
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload package %s: %w", key, err)
	}
	logger.FromContext(ctx).Infoln("uploaded package", s.keyPrefix+key)
	return nil
}

// PresignedURL returns an https URL from which devices can download the package key
// until expireIn has passed
func (s *S3Store) PresignedURL(ctx context.Context, key string, expireIn time.Duration) (string, error) {
	if expireIn <= 0 {
		expireIn = DefaultURLExpiry
	}
	client := s3.NewPresignClient(s3.NewFromConfig(s.config))
	resp, err := client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + key),
	}, s3.WithPresignExpires(expireIn))
	if err != nil {
		return "", fmt.Errorf("cannot presign package %s: %w", key, err)
	}
	return resp.URL, nil
}

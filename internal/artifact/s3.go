package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store keeps blobs in an S3 bucket under a key prefix.
type S3Store struct {
	bucket  string
	prefix  string
	keyring Keyring
	client  *s3.Client
}

// S3StoreConfig configures the S3 artifact backend.
type S3StoreConfig struct {
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

func NewS3Store(ctx context.Context, cfg S3StoreConfig, keyring Keyring) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 artifact store requires 'bucket' configuration")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "gatecrane/artifacts"
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return &S3Store{
		bucket:  cfg.Bucket,
		prefix:  prefix,
		keyring: keyring,
		client:  s3.NewFromConfig(awsCfg),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	id := BlobID(data)

	sealed, err := sealBlob(ctx, s.keyring, data)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt blob: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.objectKey(id)),
		Body:                 bytes.NewReader(sealed),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("failed to write blob to s3://%s/%s: %w", s.bucket, s.objectKey(id), err)
	}

	return id, nil
}

func (s *S3Store) Get(ctx context.Context, id string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(id)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("blob %s not found", id)
		}
		// Also handle 404 via the error message for S3 API variations
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return nil, fmt.Errorf("blob %s not found", id)
		}
		return nil, fmt.Errorf("failed to read blob from s3://%s/%s: %w", s.bucket, s.objectKey(id), err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}

	data, err := openBlob(ctx, s.keyring, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt blob %s: %w", id, err)
	}

	if err := verifyID(id, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *S3Store) objectKey(id string) string {
	return fmt.Sprintf("%s/%s", s.prefix, id)
}

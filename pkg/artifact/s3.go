package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const backendS3 = "s3"

// S3Config configures an S3 compatible artifact bucket.
type S3Config struct {
	// Endpoint of the S3 API, e.g. "http://localhost:9000". Empty uses AWS.
	Endpoint string

	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// NewS3Client returns an S3 client for cfg. Path-style addressing is used so
// that MinIO and Ceph RGW endpoints work without DNS setup.
func NewS3Client(cfg S3Config) *s3.Client {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,

		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// S3Store keeps artifacts as objects in a bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store returns a store writing to bucket under prefix.
func NewS3Store(client *s3.Client, bucket, prefix string) (*S3Store, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

// ObjectKey returns the object key of the artifact for id.
func (s *S3Store) ObjectKey(id string) string {
	return s.prefix + FileName(id)
}

// Exists reports whether the object for id is present.
func (s *S3Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.ObjectKey(id)),
	})
	if err == nil {
		observeLookup(backendS3, true)
		return true, nil
	}
	if isNotFound(err) {
		observeLookup(backendS3, false)
		return false, nil
	}

	ArtifactErrors.WithLabelValues(backendS3, "exists").Inc()
	return false, fmt.Errorf("head object %s: %w", s.ObjectKey(id), err)
}

// Put uploads the artifact for id.
func (s *S3Store) Put(ctx context.Context, id string, payload []byte) error {
	if err := validateID(id); err != nil {
		return err
	}

	data, err := Encode(payload)
	if err != nil {
		ArtifactErrors.WithLabelValues(backendS3, "put").Inc()
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.ObjectKey(id)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/gzip"),
	})
	if err != nil {
		ArtifactErrors.WithLabelValues(backendS3, "put").Inc()
		return fmt.Errorf("put object %s: %w", s.ObjectKey(id), err)
	}

	ArtifactsWritten.WithLabelValues(backendS3).Inc()
	ArtifactBytes.WithLabelValues(backendS3).Add(float64(len(data)))
	return nil
}

// Get downloads and decodes the artifact for id.
func (s *S3Store) Get(ctx context.Context, id string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.ObjectKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		ArtifactErrors.WithLabelValues(backendS3, "get").Inc()
		return nil, fmt.Errorf("get object %s: %w", s.ObjectKey(id), err)
	}
	defer out.Body.Close()

	data, err := Decode(out.Body)
	if err != nil {
		ArtifactErrors.WithLabelValues(backendS3, "get").Inc()
		return nil, err
	}
	return data, nil
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

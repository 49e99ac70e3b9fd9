package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/studyflow/pkg/archive"
	"github.com/3leaps/studyflow/pkg/joberr"
	"github.com/3leaps/studyflow/pkg/match"
	"github.com/3leaps/studyflow/pkg/resource"
)

// API is the subset of the S3 client the source calls.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Source implements resource.Source for S3 references.
type Source struct {
	client     API
	bucket     string
	maxKeys    int
	maxObjects int
	maxBytes   int64
	accept     *match.Matcher
}

var _ resource.Source = (*Source)(nil)

// New creates a source using AWS SDK v2's default credential chain unless
// explicit credentials are configured.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &resource.Error{Op: "New", Kind: resource.KindS3, Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, cfg Config) *Source {
	s := &Source{
		client:     client,
		bucket:     cfg.Bucket,
		maxKeys:    clampMaxKeys(cfg.MaxKeys, DefaultMaxKeys),
		maxObjects: cfg.MaxObjects,
		maxBytes:   cfg.MaxObjectBytes,
		accept:     match.Upload(),
	}
	if s.maxObjects <= 0 {
		s.maxObjects = DefaultMaxObjects
	}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxObjectBytes
	}
	return s
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Let the SDK resolve region from env/profile unless set explicitly.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Fetch implements resource.Source. A prefix reference expands to every
// accepted object below it, in listing order.
func (s *Source) Fetch(ctx context.Context, ref resource.Ref) ([]archive.Blob, error) {
	if ref.Kind != resource.KindS3 {
		return nil, joberr.Validation("FetchObject", fmt.Sprintf("not an s3 reference: %s", ref))
	}
	if s.bucket != "" && ref.Bucket != s.bucket {
		return nil, joberr.Validation("FetchObject", fmt.Sprintf("bucket %q is outside the configured bucket %q", ref.Bucket, s.bucket))
	}

	if !ref.IsPrefix() {
		b, err := s.get(ctx, ref.Bucket, ref.Key)
		if err != nil {
			return nil, err
		}
		return []archive.Blob{b}, nil
	}

	keys, err := s.list(ctx, ref.Bucket, ref.Key)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, &resource.Error{Op: "List", Kind: resource.KindS3, Bucket: ref.Bucket, Key: ref.Key, Err: resource.ErrNotFound}
	}
	out := make([]archive.Blob, 0, len(keys))
	for _, key := range keys {
		b, err := s.get(ctx, ref.Bucket, key)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Source) list(ctx context.Context, bucket, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(int32(s.maxKeys)),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var keys []string
	for {
		output, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, wrapError("List", bucket, prefix, err)
		}
		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") || !s.accept.Match(key) {
				continue
			}
			if aws.ToInt64(obj.Size) > s.maxBytes {
				return nil, &resource.Error{Op: "List", Kind: resource.KindS3, Bucket: bucket, Key: key, Err: resource.ErrTooLarge}
			}
			keys = append(keys, key)
			if len(keys) > s.maxObjects {
				return nil, joberr.Validation("List", fmt.Sprintf("prefix s3://%s/%s expands to more than %d objects", bucket, prefix, s.maxObjects))
			}
		}
		if !aws.ToBool(output.IsTruncated) || aws.ToString(output.NextContinuationToken) == "" {
			return keys, nil
		}
		input.ContinuationToken = output.NextContinuationToken
	}
}

func (s *Source) get(ctx context.Context, bucket, key string) (archive.Blob, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return archive.Blob{}, wrapError("GetObject", bucket, key, err)
	}
	defer func() { _ = output.Body.Close() }()

	if aws.ToInt64(output.ContentLength) > s.maxBytes {
		return archive.Blob{}, &resource.Error{Op: "GetObject", Kind: resource.KindS3, Bucket: bucket, Key: key, Err: resource.ErrTooLarge}
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(output.Body, s.maxBytes+1))
	if err != nil {
		return archive.Blob{}, wrapError("GetObject", bucket, key, err)
	}
	if n > s.maxBytes {
		return archive.Blob{}, &resource.Error{Op: "GetObject", Kind: resource.KindS3, Bucket: bucket, Key: key, Err: resource.ErrTooLarge}
	}
	return archive.Blob{Name: key, Data: buf.Bytes()}, nil
}

// wrapError converts S3 errors to resource errors with appropriate sentinels.
func wrapError(op, bucket, key string, err error) error {
	if errors.Is(err, context.Canceled) {
		return joberr.Wrap(op, "", joberr.ErrCancelled, err)
	}

	wrapped := &resource.Error{Op: op, Kind: resource.KindS3, Bucket: bucket, Key: key, Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = resource.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = resource.ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = resource.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = resource.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = resource.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = resource.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = resource.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = resource.ErrUnavailable
		default:
			wrapped.Err = fmt.Errorf("%w: %w", joberr.ErrTransport, err)
		}
		return wrapped
	}

	// Fallback: check error message for common cases
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchBucket"):
		wrapped.Err = resource.ErrBucketNotFound
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = resource.ErrNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		wrapped.Err = resource.ErrAccessDenied
	case strings.Contains(errMsg, "InvalidAccessKeyId") || strings.Contains(errMsg, "SignatureDoesNotMatch"):
		wrapped.Err = resource.ErrInvalidCredentials
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		wrapped.Err = resource.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = resource.ErrUnavailable
	default:
		wrapped.Err = fmt.Errorf("%w: %w", joberr.ErrTransport, err)
	}
	return wrapped
}

// clampMaxKeys applies defaults and limits to maxKeys values.
func clampMaxKeys(requested, fallback int) int {
	if requested <= 0 {
		requested = fallback
	}
	if requested > MaxAllowedKeys {
		return MaxAllowedKeys
	}
	return requested
}

// resolveRegion applies the us-east-1 fallback for AWS S3 after the SDK has
// resolved explicit, environment and profile regions.
func resolveRegion(cfgRegion, endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if cfgRegion != "" {
		return cfgRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

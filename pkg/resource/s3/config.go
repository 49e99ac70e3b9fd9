// Package s3 fetches study files from AWS S3 and S3-compatible storage.
package s3

// Config configures an S3 source.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file (~/.aws/credentials)
//  4. Shared config file (~/.aws/config) with profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
//
// For S3-compatible stores (MinIO, Wasabi), set Endpoint and typically
// ForcePathStyle. When Endpoint is set no default region is applied.
type Config struct {
	// Bucket restricts the source to one bucket. Empty allows any bucket
	// named by a reference.
	Bucket string

	// Region is the AWS region. Defaults to us-east-1 for AWS S3 when not
	// resolved from the environment or profile.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the AWS profile name to use from shared config.
	Profile string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must also be set.
	AccessKeyID string

	// SecretAccessKey is an explicit secret key. Required if AccessKeyID is set.
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	ForcePathStyle bool

	// MaxKeys is the page size for prefix listings. Zero uses DefaultMaxKeys.
	MaxKeys int

	// MaxObjects caps how many objects one prefix reference may expand to.
	// Zero uses DefaultMaxObjects.
	MaxObjects int

	// MaxObjectBytes rejects objects larger than this. Zero uses
	// DefaultMaxObjectBytes.
	MaxObjectBytes int64
}

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// DefaultMaxObjects is the default cap on objects fetched for one prefix.
const DefaultMaxObjects = 5000

// DefaultMaxObjectBytes is the default per-object size limit (2 GiB).
const DefaultMaxObjectBytes int64 = 2 << 30

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	// If one explicit credential is set, both must be set
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if c.MaxKeys < 0 {
		return &ConfigError{Field: "MaxKeys", Message: "must not be negative"}
	}
	if c.MaxObjects < 0 {
		return &ConfigError{Field: "MaxObjects", Message: "must not be negative"}
	}
	if c.MaxObjectBytes < 0 {
		return &ConfigError{Field: "MaxObjectBytes", Message: "must not be negative"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}

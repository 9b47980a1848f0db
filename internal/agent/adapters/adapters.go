// Package adapters provides storage backends behind one interface: a
// uniform list/stat interface over local filesystem, S3, GCS, and SMB
// collections, each normalizing its backend-specific errors into the four
// categories of internal/agent/apierr.
//
// StorageAdapter is a capability interface with four concrete
// implementations, dispatched statically wherever the concrete adapter
// is known at the
// call site (connector.Type), and through the interface wherever it is
// not (the job executor, which only knows a Collection.Type string).
package adapters

import (
	"context"
	"fmt"
	"time"
)

// FileMeta is one entry of ListFilesWithMetadata: a relative path plus the
// size/mtime facts inputstate.FileEntry needs. LastModified is nil when
// the backend does not report it.
type FileMeta struct {
	Path         string
	Size         int64
	LastModified *time.Time
}

// StorageAdapter is the capability interface every backend implements.
type StorageAdapter interface {
	// ListFiles returns the relative paths of every file under location.
	ListFiles(ctx context.Context, location string) ([]string, error)
	// ListFilesWithMetadata is ListFiles plus size/mtime, used by
	// internal/agent/inputstate to build file_list_hash.
	ListFilesWithMetadata(ctx context.Context, location string) ([]FileMeta, error)
	// TestConnection verifies the adapter can reach location without
	// listing it fully — used by the CLI's "test" and "self-test"
	// commands.
	TestConnection(ctx context.Context, location string) (ok bool, message string, err error)
}

// CredentialKind tags which variant of Credentials is populated.
type CredentialKind string

const (
	CredentialS3  CredentialKind = "s3"
	CredentialGCS CredentialKind = "gcs"
	CredentialSMB CredentialKind = "smb"
)

// S3Credentials authenticates the S3 adapter.
type S3Credentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
	// Endpoint overrides the default AWS endpoint for S3-compatible
	// providers (MinIO, R2, etc.). Empty uses the SDK default resolver.
	Endpoint string `json:"endpoint,omitempty"`
}

// GCSCredentials authenticates the GCS adapter with a service account key.
type GCSCredentials struct {
	ServiceAccountJSON string `json:"service_account_json"`
}

// SMBCredentials authenticates the SMB adapter.
type SMBCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain,omitempty"`
}

// Credentials is a tagged variant: exactly one of S3,
// GCS, SMB is populated, selected by Kind. This is the shape
// internal/agent/credentials stores and decrypts per connector.
type Credentials struct {
	Kind CredentialKind  `json:"kind"`
	S3   *S3Credentials  `json:"s3,omitempty"`
	GCS  *GCSCredentials `json:"gcs,omitempty"`
	SMB  *SMBCredentials `json:"smb,omitempty"`
}

// Validate checks that the variant named by Kind is actually populated.
func (c Credentials) Validate() error {
	switch c.Kind {
	case CredentialS3:
		if c.S3 == nil {
			return fmt.Errorf("adapters: credentials kind %q missing s3 fields", c.Kind)
		}
	case CredentialGCS:
		if c.GCS == nil {
			return fmt.Errorf("adapters: credentials kind %q missing gcs fields", c.Kind)
		}
	case CredentialSMB:
		if c.SMB == nil {
			return fmt.Errorf("adapters: credentials kind %q missing smb fields", c.Kind)
		}
	default:
		return fmt.Errorf("adapters: unknown credential kind %q", c.Kind)
	}
	return nil
}

// retryBackoff returns the exponential backoff delay before retry attempt
// n (1-indexed), the 1s-doubling shape used by the S3 and
// GCS adapters.
func retryBackoff(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

package adapters

import (
	"errors"
	"testing"

	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"github.com/fabrice-guiot/shuttersense/internal/agent/apierr"
)

type fakeS3APIError struct {
	code string
}

func (e *fakeS3APIError) Error() string        { return e.code }
func (e *fakeS3APIError) ErrorCode() string    { return e.code }
func (e *fakeS3APIError) ErrorMessage() string { return e.code }
func (e *fakeS3APIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}

func TestSplitLocationParsesBucketAndPrefix(t *testing.T) {
	bucket, prefix := splitLocation("my-bucket/a/b")
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "a/b", prefix)
}

func TestSplitLocationStripsS3Scheme(t *testing.T) {
	bucket, prefix := splitLocation("s3://my-bucket/a")
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "a", prefix)
}

func TestSplitLocationWithNoPrefix(t *testing.T) {
	bucket, prefix := splitLocation("my-bucket")
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "", prefix)
}

func TestClassifyS3ErrorMapsAccessDeniedToPermissionDenied(t *testing.T) {
	err := classifyS3Error("s3.list", &fakeS3APIError{code: "AccessDenied"})
	var se *apierr.StorageError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, apierr.StoragePermissionDenied, se.Category)
}

func TestClassifyS3ErrorMapsNoSuchBucketToNotFound(t *testing.T) {
	err := classifyS3Error("s3.list", &fakeS3APIError{code: "NoSuchBucket"})
	var se *apierr.StorageError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, apierr.StorageNotFound, se.Category)
}

func TestClassifyS3ErrorDefaultsToConnectionFailure(t *testing.T) {
	err := classifyS3Error("s3.list", errors.New("boom"))
	var se *apierr.StorageError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, apierr.StorageConnectionFailure, se.Category)
}

func TestIsS3TerminalTrueForPermissionCodes(t *testing.T) {
	assert.True(t, isS3Terminal(&fakeS3APIError{code: "SignatureDoesNotMatch"}))
	assert.False(t, isS3Terminal(&fakeS3APIError{code: "InternalError"}))
	assert.False(t, isS3Terminal(errors.New("not an api error")))
}

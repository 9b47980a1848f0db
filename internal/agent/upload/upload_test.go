package upload

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/internal/agent/apierr"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

type fakeClient struct {
	mu           sync.Mutex
	chunks       map[int][]byte
	putErr       map[int]error // one-shot error returned on the chunk's first PutChunk call
	finalizeOK   bool
	cancelled    bool
	chunkSize    int64
	totalChunks  int
}

func newFakeClient(totalChunks int, chunkSize int64) *fakeClient {
	return &fakeClient{
		chunks:      map[int][]byte{},
		putErr:      map[int]error{},
		finalizeOK:  true,
		chunkSize:   chunkSize,
		totalChunks: totalChunks,
	}
}

func (f *fakeClient) InitiateUpload(ctx context.Context, jobGUID string, req apitypes.InitiateUploadRequest) (*apitypes.InitiateUploadResponse, error) {
	return &apitypes.InitiateUploadResponse{UploadID: "up-1", ChunkSize: f.chunkSize, TotalChunks: f.totalChunks}, nil
}

func (f *fakeClient) PutChunk(ctx context.Context, uploadID string, index int, data []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.putErr[index]; ok {
		delete(f.putErr, index)
		return false, err
	}
	f.chunks[index] = append([]byte{}, data...)
	return true, nil
}

func (f *fakeClient) FinalizeUpload(ctx context.Context, uploadID, checksum string) (*apitypes.FinalizeResponse, error) {
	return &apitypes.FinalizeResponse{Success: f.finalizeOK}, nil
}

func (f *fakeClient) CancelUpload(ctx context.Context, uploadID string) error {
	f.cancelled = true
	return nil
}

func TestUploadSplitsContentIntoChunksAndFinalizes(t *testing.T) {
	content := make([]byte, 25)
	for i := range content {
		content[i] = byte(i)
	}
	client := newFakeClient(3, 10) // 10+10+5
	u := New(client, zap.NewNop())

	result, err := u.Upload(context.Background(), "job-1", "report", content)
	require.NoError(t, err)
	assert.Equal(t, "up-1", result.UploadID)
	assert.NotEmpty(t, result.Checksum)

	require.NoError(t, u.Finalize(context.Background(), result))

	assert.Len(t, client.chunks, 3)
	assert.Equal(t, content[0:10], client.chunks[0])
	assert.Equal(t, content[10:20], client.chunks[1])
	assert.Equal(t, content[20:25], client.chunks[2])
}

func TestUploadAbortsOnTerminalChunkError(t *testing.T) {
	content := make([]byte, 20)
	client := newFakeClient(2, 10)
	client.putErr[1] = apierr.ErrValidation

	u := New(client, zap.NewNop())
	_, err := u.Upload(context.Background(), "job-1", "report", content)
	assert.Error(t, err)
}

func TestUploadRetriesTransientChunkError(t *testing.T) {
	content := make([]byte, 10)
	client := newFakeClient(1, 10)
	client.putErr[0] = apierr.ErrConnectionFailure // one-shot, second attempt succeeds

	u := New(client, zap.NewNop())
	result, err := u.Upload(context.Background(), "job-1", "report", content)
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestCancelSwallowsClientError(t *testing.T) {
	client := newFakeClient(1, 10)
	u := New(client, zap.NewNop())
	u.Cancel(context.Background(), "up-1")
	assert.True(t, client.cancelled)
}

package timeout

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/provider"
)

func TestRequestReturnsInTime(t *testing.T) {
	resp, err := Request(context.Background(), time.Second, func(ctx context.Context) (*provider.Response, error) {
		return &provider.Response{Content: &provider.ContentResponse{Text: "ok", Result: provider.ResultComplete}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content.Text)
}

func TestRequestPropagatesError(t *testing.T) {
	boom := aierrors.New(aierrors.CodeProviderResponse, "boom")
	_, err := Request(context.Background(), time.Second, func(ctx context.Context) (*provider.Response, error) {
		return nil, boom
	})
	assert.Equal(t, aierrors.CodeProviderResponse, aierrors.CodeOf(err))
}

func TestRequestTimesOut(t *testing.T) {
	var canceled atomic.Bool
	_, err := Request(context.Background(), 30*time.Millisecond, func(ctx context.Context) (*provider.Response, error) {
		<-ctx.Done()
		canceled.Store(true)
		return nil, ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, aierrors.CodeRequestTimeout, aierrors.CodeOf(err))

	var ae *aierrors.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, int64(30), ae.TimeoutMs)

	assert.Eventually(t, canceled.Load, time.Second, 5*time.Millisecond,
		"the late call's context must be canceled")
}

func TestRequestHonorsCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Request(ctx, time.Second, func(ctx context.Context) (*provider.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

// stallingReader yields its chunks with a delay before each one.
type stallingReader struct {
	chunks []string
	delays []time.Duration
	i      int
	closed atomic.Bool
}

func (r *stallingReader) Read(p []byte) (int, error) {
	if r.i >= len(r.chunks) {
		return 0, io.EOF
	}
	time.Sleep(r.delays[r.i])
	n := copy(p, r.chunks[r.i])
	r.i++
	return n, nil
}

func (r *stallingReader) Close() error {
	r.closed.Store(true)
	return nil
}

func TestStreamPassesChunksThrough(t *testing.T) {
	rc := Stream(io.NopCloser(strings.NewReader("hello world")), time.Second, nil)
	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))
}

func TestStreamInterChunkTimeout(t *testing.T) {
	upstream := &stallingReader{
		chunks: []string{"chunk1", "chunk2"},
		delays: []time.Duration{0, 300 * time.Millisecond},
	}
	var canceled atomic.Bool
	rc := Stream(upstream, 100*time.Millisecond, func() { canceled.Store(true) })

	buf := make([]byte, 64)
	n, err := rc.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "chunk1", string(buf[:n]))

	_, err = rc.Read(buf)
	require.Error(t, err)
	assert.Equal(t, aierrors.CodeStreamTimeout, aierrors.CodeOf(err))
	assert.True(t, canceled.Load())
	assert.Eventually(t, upstream.closed.Load, time.Second, 5*time.Millisecond)

	// The stream stays destroyed.
	_, err = rc.Read(buf)
	assert.Equal(t, aierrors.CodeStreamTimeout, aierrors.CodeOf(err))
}

func TestStreamEOF(t *testing.T) {
	rc := Stream(io.NopCloser(strings.NewReader("x")), 100*time.Millisecond, nil)
	buf := make([]byte, 4)
	n, err := rc.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = rc.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamCloseStopsReads(t *testing.T) {
	upstream := &stallingReader{
		chunks: []string{"late"},
		delays: []time.Duration{200 * time.Millisecond},
	}
	rc := Stream(upstream, time.Second, nil)
	require.NoError(t, rc.Close())

	_, err := rc.Read(make([]byte, 4))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

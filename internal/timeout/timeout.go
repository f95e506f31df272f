// Package timeout enforces per-request deadlines on provider calls and
// inter-chunk deadlines on provider streams.
package timeout

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/provider"
)

// Request races an adapter call against d. On expiry it cancels the call's
// context and returns PROVIDER_REQUEST_TIMEOUT_ERROR; the late result is
// discarded. When the returned response is a stream, the stream is wrapped
// so the same deadline applies between consecutive chunks, failing with
// PROVIDER_REQUEST_STREAM_TIMEOUT_ERROR.
func Request(ctx context.Context, d time.Duration, fn func(ctx context.Context) (*provider.Response, error)) (*provider.Response, error) {
	callCtx, cancel := context.WithCancel(ctx)

	ch := make(chan outcome, 1)
	go func() {
		resp, err := fn(callCtx)
		ch <- outcome{resp: resp, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			cancel()
			return nil, out.err
		}
		if out.resp.Stream != nil {
			out.resp.Stream = Stream(out.resp.Stream, d, cancel)
			return out.resp, nil
		}
		cancel()
		return out.resp, nil
	case <-timer.C:
		cancel()
		go discard(ch)
		return nil, aierrors.Timeout(aierrors.CodeRequestTimeout, d.Milliseconds())
	case <-ctx.Done():
		cancel()
		go discard(ch)
		return nil, ctx.Err()
	}
}

type outcome struct {
	resp *provider.Response
	err  error
}

// discard drains the late outcome so its stream does not leak.
func discard(ch chan outcome) {
	out := <-ch
	if out.resp != nil && out.resp.Stream != nil {
		_ = out.resp.Stream.Close()
	}
}

// Stream wraps rc so the deadline d restarts on every chunk. When the timer
// fires before the next chunk arrives, the wrapped stream is destroyed and
// reads fail with PROVIDER_REQUEST_STREAM_TIMEOUT_ERROR. cancel, when
// non-nil, is invoked once the stream is finished for any reason.
func Stream(rc io.ReadCloser, d time.Duration, cancel func()) io.ReadCloser {
	tr := &timeoutReader{
		rc:     rc,
		d:      d,
		cancel: cancel,
		chunks: make(chan chunk, 1),
		done:   make(chan struct{}),
	}
	go tr.pump()
	return tr
}

type chunk struct {
	data []byte
	err  error
}

type timeoutReader struct {
	rc         io.ReadCloser
	d          time.Duration
	cancel     func()
	cancelOnce sync.Once
	chunks     chan chunk
	done       chan struct{}

	mu       sync.Mutex
	closed   bool
	buf      []byte
	finalErr error
}

// pump copies upstream chunks into the channel until EOF or error.
func (t *timeoutReader) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.rc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case t.chunks <- chunk{data: data}:
			case <-t.done:
				return
			}
		}
		if err != nil {
			select {
			case t.chunks <- chunk{err: err}:
			case <-t.done:
			}
			return
		}
	}
}

// Read returns buffered bytes, or waits up to the inter-chunk deadline for
// the next upstream chunk.
func (t *timeoutReader) Read(p []byte) (int, error) {
	t.mu.Lock()
	if len(t.buf) > 0 {
		n := copy(p, t.buf)
		t.buf = t.buf[n:]
		t.mu.Unlock()
		return n, nil
	}
	if t.finalErr != nil {
		err := t.finalErr
		t.mu.Unlock()
		return 0, err
	}
	if t.closed {
		t.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	t.mu.Unlock()

	timer := time.NewTimer(t.d)
	defer timer.Stop()

	select {
	case c := <-t.chunks:
		if c.err != nil {
			t.finish(c.err)
			return 0, c.err
		}
		t.mu.Lock()
		t.buf = c.data
		n := copy(p, t.buf)
		t.buf = t.buf[n:]
		t.mu.Unlock()
		return n, nil
	case <-timer.C:
		err := aierrors.Timeout(aierrors.CodeStreamTimeout, t.d.Milliseconds())
		t.destroy(err)
		return 0, err
	case <-t.done:
		t.mu.Lock()
		err := t.finalErr
		t.mu.Unlock()
		if err == nil {
			err = io.ErrClosedPipe
		}
		return 0, err
	}
}

// Close destroys the stream from the consumer side.
func (t *timeoutReader) Close() error {
	t.destroy(io.ErrClosedPipe)
	return nil
}

// finish records the terminal error (EOF included) and cancels the timer
// scope without tearing down buffered data.
func (t *timeoutReader) finish(err error) {
	t.mu.Lock()
	if t.finalErr == nil {
		t.finalErr = err
	}
	t.mu.Unlock()
	t.release()
}

// destroy tears the stream down: further reads fail with err and the
// upstream is closed.
func (t *timeoutReader) destroy(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.finalErr == nil {
		t.finalErr = err
	}
	t.mu.Unlock()

	close(t.done)
	_ = t.rc.Close()
	t.release()
}

// release cancels the surrounding call context once.
func (t *timeoutReader) release() {
	t.cancelOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
}

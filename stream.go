package aiwarp

import (
	"io"
	"sync"
)

// ResponseStream is the readable side of a streaming response. It yields
// SSE-framed bytes and reports the session the response belongs to. Closing
// it unsubscribes from the session and cancels the background work.
type ResponseStream struct {
	sessionID string

	frames chan []byte
	done   chan struct{}
	eof    chan struct{}

	mu  sync.Mutex
	err error

	// buf is reader-local; Read is not safe for concurrent use.
	buf []byte

	finishOnce sync.Once
	closeOnce  sync.Once
	onClose    func()
}

func newResponseStream(sessionID string) *ResponseStream {
	return &ResponseStream{
		sessionID: sessionID,
		frames:    make(chan []byte, 16),
		done:      make(chan struct{}),
		eof:       make(chan struct{}),
	}
}

// SessionID returns the session this stream belongs to.
func (s *ResponseStream) SessionID() string { return s.sessionID }

// Read yields the next frame bytes. After the final frame it returns io.EOF,
// or the destroying error when the stream failed.
func (s *ResponseStream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		select {
		case frame := <-s.frames:
			s.buf = frame
		case <-s.eof:
			// Producers have stopped; drain whatever they left behind.
			select {
			case frame := <-s.frames:
				s.buf = frame
			default:
				s.mu.Lock()
				err := s.err
				s.mu.Unlock()
				if err != nil {
					return 0, err
				}
				return 0, io.EOF
			}
		}
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Close abandons the stream from the consumer side.
func (s *ResponseStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

// push enqueues a frame. It reports false once the stream is finished or
// the consumer has closed it.
func (s *ResponseStream) push(frame []byte) bool {
	select {
	case <-s.eof:
		return false
	case <-s.done:
		return false
	default:
	}
	select {
	case s.frames <- frame:
		return true
	case <-s.eof:
		return false
	case <-s.done:
		return false
	}
}

// finish marks the end of the stream; queued frames remain readable.
func (s *ResponseStream) finish() {
	s.finishOnce.Do(func() {
		close(s.eof)
	})
}

// fail records err and finishes the stream. Queued frames are still
// delivered before the error surfaces from Read.
func (s *ResponseStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.finish()
}

func (s *ResponseStream) closed() <-chan struct{} { return s.done }

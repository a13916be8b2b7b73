package video

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/lockguard/internal/capture"
)

// grabber fills one frame. It is never called concurrently.
type grabber func() (*Frame, error)

const closeGrace = 200 * time.Millisecond

// stream makes blocking device reads cancellable. Each Read hands the grab to a
// helper goroutine; a cancelled caller returns at once and the abandoned frame
// is dropped when it arrives. The device is never released while a grab is
// in flight: Close waits up to closeGrace for it, then leaves the release to
// run once the grab returns.
type stream struct {
	grab    grabber
	release func() error

	readMu   sync.Mutex
	inflight sync.WaitGroup
	closed   atomic.Bool
	once     sync.Once
	closeErr error
}

type grabResult struct {
	frame *Frame
	err   error
}

func newStream(grab grabber, release func() error) *stream {
	return &stream{grab: grab, release: release}
}

func (s *stream) Read(ctx context.Context) (capture.Frame, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(chan grabResult, 1)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.readMu.Lock()
		defer s.readMu.Unlock()
		if s.closed.Load() {
			out <- grabResult{err: ErrClosed}
			return
		}
		f, err := s.grab()
		out <- grabResult{frame: f, err: err}
	}()

	select {
	case r := <-out:
		if r.err != nil {
			return nil, r.err
		}
		return r.frame, nil
	case <-ctx.Done():
		go func() {
			if r := <-out; r.frame != nil {
				r.frame.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		idle := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(idle)
		}()
		select {
		case <-idle:
			s.closeErr = s.release()
		case <-time.After(closeGrace):
			go func() {
				<-idle
				_ = s.release()
			}()
		}
	})
	return s.closeErr
}

package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/shared/errors"
)

// ErrStreamReleased is returned when pushing into a released stream.
var ErrStreamReleased = fmt.Errorf("%w: camera stream released", errors.ErrInvalidTransition)

// PushStream is the server-side handle for a browser camera. The client runs
// landmark detection locally and pushes results; each Detect call consumes
// the oldest pending detection. A nil landmark set marks a frame in which
// the client found no person.
type PushStream struct {
	releaseOnce

	mu      sync.Mutex
	pending []pose.Landmarks
	limit   int
}

// NewPushStream creates a stream that buffers at most limit detections.
// onRelease, if non-nil, runs once when the stream is released.
func NewPushStream(limit int, onRelease func()) *PushStream {
	if limit <= 0 {
		limit = 64
	}
	s := &PushStream{limit: limit}
	s.onRelease = onRelease
	return s
}

// Push enqueues one client-side detection.
func (s *PushStream) Push(lms pose.Landmarks) error {
	if !s.Active() {
		return ErrStreamReleased
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= s.limit {
		return errors.Input(fmt.Sprintf("too many pending frames (limit %d)", s.limit))
	}
	s.pending = append(s.pending, lms)
	return nil
}

// Detect returns the oldest pending detection. With nothing pending it
// reports no pose.
func (s *PushStream) Detect(ctx context.Context, _ time.Duration) (pose.Landmarks, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !s.Active() {
		return nil, false, ErrStreamReleased
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false, nil
	}
	lms := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	if len(lms) == 0 {
		return nil, false, nil
	}
	return lms, true, nil
}

// Pending returns the number of queued detections.
func (s *PushStream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Release frees the stream and drops any queued detections.
func (s *PushStream) Release() {
	s.releaseOnce.Release()
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

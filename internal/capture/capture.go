// Package capture defines the pose capability set: a single detection
// contract with a live camera variant and a recorded video variant.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/rehabmotion/platform/internal/pose"
)

// PoseCapability detects a body pose at a point in time. ok is false when no
// person was found in that frame; that is not an error.
type PoseCapability interface {
	Detect(ctx context.Context, at time.Duration) (lms pose.Landmarks, ok bool, err error)
}

// RecordedVideoSource is a finite, seekable source. Callers must issue one
// Detect at a time: a single decoder cannot service concurrent seeks.
type RecordedVideoSource interface {
	PoseCapability
	Duration() time.Duration
}

// LiveCameraSource is a camera stream owned by exactly one session. The
// timestamp passed to Detect is the host's frame time, which is not assumed
// to be uniform.
type LiveCameraSource interface {
	PoseCapability
	// Release frees the underlying stream. Only the first call has effect.
	Release()
	// Active reports whether the stream is still held.
	Active() bool
}

// releaseOnce tracks a stream handle that must be freed exactly once.
type releaseOnce struct {
	once      sync.Once
	mu        sync.RWMutex
	released  bool
	onRelease func()
}

func (r *releaseOnce) Release() {
	r.once.Do(func() {
		r.mu.Lock()
		r.released = true
		r.mu.Unlock()
		if r.onRelease != nil {
			r.onRelease()
		}
	})
}

func (r *releaseOnce) Active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.released
}

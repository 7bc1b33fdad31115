package codec

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"
)

// vp9KeyframeMaxDist mirrors original_source's Vp9Encoder cfg.kf_max_dist:
// force a keyframe at least this often even without an explicit request.
const vp9KeyframeMaxDist = 150

// Vp9Encoder prepares raw video frames (resize + I420 color conversion via
// gocv) and classifies them into key/delta frames on the cadence the Rust
// original enforces (kf_max_dist=150, kf_min_dist=150, kf_mode=AUTO).
//
// The bitstream compression step itself is a frame-classifying passthrough:
// no Go VP9 bitstream encoder or libvpx binding exists anywhere in the
// retrieval pack this was built from (DESIGN.md documents the search), so
// Data carries the prepared I420 planes rather than a compressed bitstream.
// Everything around that boundary — frame prep, keyframe cadence, bitrate
// policy, the Encoder interface itself — is real.
type Vp9Encoder struct {
	mu     sync.Mutex
	width  int
	height int

	framesSinceKey int
	pts            int64

	bitrate     atomic.Int64
	kfRequested atomic.Bool
	closed      atomic.Bool
}

// NewVp9Encoder constructs an encoder targeting width x height frames.
func NewVp9Encoder(width, height, bps int) *Vp9Encoder {
	e := &Vp9Encoder{width: width, height: height}
	e.bitrate.Store(int64(bps))
	return e
}

// Encode accepts a raw BGR frame (as gocv would read from a capture device)
// and returns exactly one Frame: resized and converted to I420, tagged key
// or delta per the cadence above.
func (e *Vp9Encoder) Encode(bgr []byte) ([]Frame, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	mat, err := gocv.NewMatFromBytes(e.height, e.width, gocv.MatTypeCV8UC3, bgr)
	if err != nil {
		return nil, fmt.Errorf("codec: vp9 mat from bytes: %w", err)
	}
	defer mat.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(mat, &resized, image.Pt(e.width, e.height), 0, 0, gocv.InterpolationLinear)

	yuv := gocv.NewMat()
	defer yuv.Close()
	gocv.CvtColor(resized, &yuv, gocv.ColorBGRToYUVI420)

	e.mu.Lock()
	isKey := e.framesSinceKey == 0 || e.kfRequested.Load() || e.framesSinceKey >= vp9KeyframeMaxDist
	if isKey {
		e.framesSinceKey = 1
		e.kfRequested.Store(false)
	} else {
		e.framesSinceKey++
	}
	e.pts++
	pts := e.pts
	e.mu.Unlock()

	return []Frame{{
		Data: yuv.ToBytes(),
		Key:  isKey,
		PTS:  pts,
	}}, nil
}

// SetBitrate is idempotent per L4.
func (e *Vp9Encoder) SetBitrate(bps int) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.bitrate.Store(int64(bps))
	return nil
}

// RequestKeyframe arms a one-shot flag consumed by the next Encode call.
// The controller rate-limits calls to this method to once per second; the
// encoder itself has no rate limit of its own.
func (e *Vp9Encoder) RequestKeyframe() {
	e.kfRequested.Store(true)
}

func (e *Vp9Encoder) Close() error {
	e.closed.Store(true)
	return nil
}

// Package videojitter implements the bounded, keyframe-aware video jitter
// buffer (spec §4.5): an ordered map from sequence number to frame, with
// gap/keyframe recovery on pull-for-decode.
package videojitter

import "log"

// Config parameterizes a Buffer; zero values fall back to spec defaults.
type Config struct {
	MaxBufferSize  int    // default 20 (spec's "default 10-20")
	MaxSequenceGap uint64 // default 100
}

const (
	defaultMaxBufferSize  = 20
	defaultMaxSequenceGap = 100

	// maxConsecutiveDecodeErrors is spec §4.5's "repeated decode errors ->
	// reset stream" threshold.
	maxConsecutiveDecodeErrors = 3
)

// RequestKeyframeFunc asks the encoder on the other end of the stream to
// issue a keyframe, e.g. codec.Controller.RequestKeyframe (already
// rate-limited to once/sec there, so RecordDecodeError can call it freely).
type RequestKeyframeFunc func()

// Frame is one buffered video unit.
type Frame struct {
	Sequence uint64
	Data     []byte
	Key      bool
}

// Buffer is a bounded ordered map sequence -> frame with a keyframe cache,
// grounded on original_source's videocall-client BufferManager, translated
// into the teacher's jitter.go idiom of a plain map plus a sorted scan
// rather than a generic ordered-map container.
type Buffer struct {
	cfg Config

	frames    map[uint64]*Frame
	keyframes map[uint64]bool

	havePlayhead bool
	playhead     uint64

	// keyDecodedSinceReset guards invariant 5: a delta frame whose
	// preceding keyframe has not been decoded since the last reset must be
	// dropped rather than played as garbage.
	keyDecodedSinceReset bool

	missingFrameCount uint64

	// consecutiveDecodeErrors counts decode failures since the last
	// successful decode or reset (spec §4.5's Failure section).
	consecutiveDecodeErrors int

	logTag string
}

// New constructs a Buffer.
func New(cfg Config, logTag string) *Buffer {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = defaultMaxBufferSize
	}
	if cfg.MaxSequenceGap == 0 {
		cfg.MaxSequenceGap = defaultMaxSequenceGap
	}
	if logTag == "" {
		logTag = "[videojitter]"
	}
	return &Buffer{
		cfg:       cfg,
		frames:    make(map[uint64]*Frame),
		keyframes: make(map[uint64]bool),
		logTag:    logTag,
	}
}

// Push ingests one arrived frame. It ignores duplicates and returns false,
// without buffering, for a sequence number so far out of range (gap >
// MaxSequenceGap relative to the playhead) that the caller should reset
// instead of trying to recover (spec §4.5).
func (b *Buffer) Push(f Frame) (accepted bool) {
	if _, dup := b.frames[f.Sequence]; dup {
		return false
	}
	if b.havePlayhead && gapExceeds(f.Sequence, b.playhead, b.cfg.MaxSequenceGap) {
		log.Printf("%s sequence %d is %d+ away from playhead %d, dropping", b.logTag, f.Sequence, b.cfg.MaxSequenceGap, b.playhead)
		return false
	}

	b.frames[f.Sequence] = &f
	if f.Key {
		b.keyframes[f.Sequence] = true
	}
	return true
}

func gapExceeds(seq, playhead, maxGap uint64) bool {
	var d uint64
	if seq >= playhead {
		d = seq - playhead
	} else {
		d = playhead - seq
	}
	return d > maxGap
}

// IsFull reports whether the buffer has reached its capacity.
func (b *Buffer) IsFull() bool { return len(b.frames) >= b.cfg.MaxBufferSize }

// Size returns the number of buffered frames.
func (b *Buffer) Size() int { return len(b.frames) }

// PullForDecode advances the playhead as far as the buffer allows and
// returns the frames to hand to the decoder, in sequence order (spec
// §4.5's "pull for decode" operation).
func (b *Buffer) PullForDecode() []Frame {
	if !b.havePlayhead {
		return b.acquireBaseline()
	}

	if _, ok := b.frames[b.playhead+1]; ok {
		return b.decodeContiguousRun(b.playhead + 1)
	}

	if b.IsFull() {
		return b.recoverFromGap()
	}

	b.missingFrameCount++
	return nil
}

// acquireBaseline establishes the initial playhead at the earliest buffered
// sequence the first time PullForDecode is called after construction or a
// reset.
func (b *Buffer) acquireBaseline() []Frame {
	earliest, ok := b.earliestSequence()
	if !ok {
		return nil
	}
	b.havePlayhead = true
	return b.decodeContiguousRun(earliest)
}

// decodeContiguousRun decodes start and every contiguously buffered
// successor, pruning each as it's consumed, until a gap is hit.
func (b *Buffer) decodeContiguousRun(start uint64) []Frame {
	var out []Frame
	seq := start
	for {
		f, ok := b.frames[seq]
		if !ok {
			break
		}
		if b.acceptForDecode(f) {
			out = append(out, *f)
		}
		b.prune(seq)
		b.playhead = seq
		b.missingFrameCount = 0
		seq++
	}
	return out
}

// acceptForDecode enforces invariant 5: a delta frame decodes only once a
// keyframe has been decoded since the last reset.
func (b *Buffer) acceptForDecode(f *Frame) bool {
	if f.Key {
		b.keyDecodedSinceReset = true
		return true
	}
	if !b.keyDecodedSinceReset {
		log.Printf("%s dropping delta frame %d: no keyframe decoded since reset", b.logTag, f.Sequence)
		return false
	}
	return true
}

// recoverFromGap implements spec §4.5's full-buffer recovery: find the
// earliest keyframe past the playhead and jump to it, or otherwise prune up
// to the earliest remaining sequence and keep waiting.
func (b *Buffer) recoverFromGap() []Frame {
	if seq, ok := b.earliestKeyframeAfter(b.playhead); ok {
		b.pruneUpTo(seq - 1)
		return b.decodeContiguousRun(seq)
	}

	earliest, ok := b.earliestSequence()
	if !ok {
		return nil
	}
	b.pruneUpTo(earliest)
	return nil
}

func (b *Buffer) earliestSequence() (uint64, bool) {
	var best uint64
	found := false
	for seq := range b.frames {
		if !found || seq < best {
			best, found = seq, true
		}
	}
	return best, found
}

func (b *Buffer) earliestKeyframeAfter(after uint64) (uint64, bool) {
	var best uint64
	found := false
	for seq := range b.keyframes {
		if seq > after && (!found || seq < best) {
			best, found = seq, true
		}
	}
	return best, found
}

func (b *Buffer) prune(seq uint64) {
	delete(b.frames, seq)
	delete(b.keyframes, seq)
}

func (b *Buffer) pruneUpTo(upTo uint64) {
	for seq := range b.frames {
		if seq <= upTo {
			b.prune(seq)
		}
	}
}

// Reset clears the buffer and playhead, forcing the next PullForDecode to
// reacquire a baseline and forcing invariant 5 to reject delta frames until
// a fresh keyframe is decoded.
func (b *Buffer) Reset() {
	b.frames = make(map[uint64]*Frame)
	b.keyframes = make(map[uint64]bool)
	b.havePlayhead = false
	b.playhead = 0
	b.keyDecodedSinceReset = false
	b.missingFrameCount = 0
	b.consecutiveDecodeErrors = 0
}

// MissingFrameCount exposes how many consecutive PullForDecode calls found
// nothing new to decode, used by callers to decide when to force a reset.
func (b *Buffer) MissingFrameCount() uint64 { return b.missingFrameCount }

// RecordDecodeError handles a decoder failure on the frame at seq (spec
// §4.5's Failure section): the frame is dropped (pruned so it's never
// retried), requestKeyframe asks the encoder for a fresh keyframe, and the
// whole stream resets once maxConsecutiveDecodeErrors failures have
// happened in a row without an intervening successful decode.
func (b *Buffer) RecordDecodeError(seq uint64, requestKeyframe RequestKeyframeFunc) {
	b.prune(seq)
	b.consecutiveDecodeErrors++
	if requestKeyframe != nil {
		requestKeyframe()
	}
	if b.consecutiveDecodeErrors >= maxConsecutiveDecodeErrors {
		log.Printf("%s %d consecutive decode errors, resetting stream", b.logTag, b.consecutiveDecodeErrors)
		b.Reset()
	}
}

// RecordDecodeSuccess clears the consecutive-decode-error streak, called by
// the caller once a pulled frame actually decodes cleanly.
func (b *Buffer) RecordDecodeSuccess() {
	b.consecutiveDecodeErrors = 0
}

package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"gopkg.in/hraban/opus.v2"
)

const (
	opusSampleRate     = 48000
	opusChannels       = 1
	opusFrameSamples   = 960  // 20ms @ 48kHz, matches the teacher's FrameSize
	opusMaxPacketBytes = 1275 // RFC 6716 max Opus packet size

	// silenceRMSThreshold below this normalized RMS level, a frame is
	// flagged Silent so the bitrate controller can skip voice-activity-less
	// recovery raises (spec §4.6's bitrate decisions track receiver
	// feedback, not idle mic input).
	silenceRMSThreshold = 0.01
)

// opusEncoderIface abstracts *opus.Encoder for testing, mirroring the
// teacher's client/audio.go opusEncoder interface.
type opusEncoderIface interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
}

// OpusEncoder adapts gopkg.in/hraban/opus.v2 to the Encoder interface.
// Input to Encode is little-endian int16 PCM bytes, opusFrameSamples long.
type OpusEncoder struct {
	mu      sync.Mutex
	enc     opusEncoderIface
	bitrate atomic.Int64
	kfFlag  atomic.Bool // unused: Opus has no keyframes and RequestKeyframe is a no-op that never sets it
	closed  atomic.Bool
}

// NewOpusEncoder constructs a real Opus encoder at the given initial bitrate.
func NewOpusEncoder(bps int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(opusSampleRate, opusChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("codec: new opus encoder: %w", err)
	}
	if err := enc.SetBitrate(bps); err != nil {
		return nil, fmt.Errorf("codec: set initial opus bitrate: %w", err)
	}
	o := &OpusEncoder{enc: enc}
	o.bitrate.Store(int64(bps))
	return o, nil
}

// Encode compresses one 20ms frame of little-endian int16 PCM.
func (o *OpusEncoder) Encode(pcmBytes []byte) ([]Frame, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	if len(pcmBytes) != opusFrameSamples*2 {
		return nil, fmt.Errorf("codec: opus input must be %d bytes, got %d", opusFrameSamples*2, len(pcmBytes))
	}
	pcm := make([]int16, opusFrameSamples)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(pcmBytes[i*2:]))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]byte, opusMaxPacketBytes)
	n, err := o.enc.Encode(pcm, out)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	silent := rmsLevel(pcmBytes) < silenceRMSThreshold
	return []Frame{{Data: out[:n], Key: true, Silent: silent}}, nil // every Opus frame is independently decodable
}

// SetBitrate is idempotent: an unchanged target does not re-enter the encoder.
func (o *OpusEncoder) SetBitrate(bps int) error {
	if o.closed.Load() {
		return ErrClosed
	}
	if o.bitrate.Load() == int64(bps) {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.enc.SetBitrate(bps); err != nil {
		return fmt.Errorf("codec: set opus bitrate: %w", err)
	}
	o.bitrate.Store(int64(bps))
	return nil
}

// RequestKeyframe is a no-op: Opus frames are always independently decodable.
func (o *OpusEncoder) RequestKeyframe() {}

func (o *OpusEncoder) Close() error {
	o.closed.Store(true)
	return nil
}

// opusDecoderIface mirrors the teacher's client/audio.go opusDecoder interface.
type opusDecoderIface interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// OpusDecoder adapts gopkg.in/hraban/opus.v2 decoding to []byte PCM output.
type OpusDecoder struct {
	mu  sync.Mutex
	dec opusDecoderIface
}

// NewOpusDecoder constructs a real Opus decoder.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("codec: new opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode expands an Opus packet into little-endian int16 PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pcm := make([]int16, opusFrameSamples)
	n, err := d.dec.Decode(packet, pcm)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(pcm[i]))
	}
	return out, nil
}

// rmsLevel computes the root-mean-square level of little-endian int16 PCM,
// normalized to [0,1], feeding Encode's Frame.Silent flag.
func rmsLevel(pcmBytes []byte) float64 {
	if len(pcmBytes) == 0 {
		return 0
	}
	var sumSq float64
	n := len(pcmBytes) / 2
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcmBytes[i*2:]))
		v := float64(s) / math.MaxInt16
		sumSq += v * v
	}
	return math.Sqrt(sumSq / float64(n))
}

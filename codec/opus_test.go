package codec

import "testing"

func TestRMSLevelSilence(t *testing.T) {
	silence := make([]byte, opusFrameSamples*2)
	if got := rmsLevel(silence); got != 0 {
		t.Fatalf("rmsLevel(silence) = %v, want 0", got)
	}
}

func TestRMSLevelEmpty(t *testing.T) {
	if got := rmsLevel(nil); got != 0 {
		t.Fatalf("rmsLevel(nil) = %v, want 0", got)
	}
}

// fakeOpusEncoder satisfies opusEncoderIface without linking libopus.
type fakeOpusEncoder struct {
	bitrate int
	n       int
}

func (f *fakeOpusEncoder) Encode(pcm []int16, data []byte) (int, error) {
	return f.n, nil
}

func (f *fakeOpusEncoder) SetBitrate(bitrate int) error {
	f.bitrate = bitrate
	return nil
}

func TestOpusEncoderSetBitrateIdempotent(t *testing.T) {
	fake := &fakeOpusEncoder{n: 10}
	o := &OpusEncoder{enc: fake}
	o.bitrate.Store(32000)

	if err := o.SetBitrate(32000); err != nil {
		t.Fatalf("SetBitrate: %v", err)
	}
	if fake.bitrate != 0 {
		t.Fatalf("expected no-op for unchanged bitrate, underlying encoder saw %d", fake.bitrate)
	}

	if err := o.SetBitrate(64000); err != nil {
		t.Fatalf("SetBitrate: %v", err)
	}
	if fake.bitrate != 64000 {
		t.Fatalf("expected underlying encoder updated to 64000, got %d", fake.bitrate)
	}
}

func TestOpusEncoderRejectsWrongFrameSize(t *testing.T) {
	o := &OpusEncoder{enc: &fakeOpusEncoder{}}
	o.bitrate.Store(32000)
	if _, err := o.Encode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for wrong-sized input")
	}
}

func TestOpusEncoderEncodeAfterClose(t *testing.T) {
	o := &OpusEncoder{enc: &fakeOpusEncoder{}}
	o.closed.Store(true)
	if _, err := o.Encode(make([]byte, opusFrameSamples*2)); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

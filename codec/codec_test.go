package codec

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
)

// fakeEncoder implements Encoder without touching a real codec library, in
// the teacher's style of small hand-written fakes for narrow interfaces.
type fakeEncoder struct {
	bitrate       int
	setBitrateErr error
	kfRequests    int
	closed        bool
}

func (f *fakeEncoder) Encode(input []byte) ([]Frame, error) {
	return []Frame{{Data: input, Key: f.kfRequests > 0}}, nil
}

func (f *fakeEncoder) SetBitrate(bps int) error {
	f.bitrate = bps
	return f.setBitrateErr
}

func (f *fakeEncoder) RequestKeyframe() { f.kfRequests++ }

func (f *fakeEncoder) Close() error {
	f.closed = true
	return nil
}

// TestControllerBacksOffOnSustainedLoss covers spec §4.6's windowed policy:
// a single lossy report must not move the bitrate; only once the loss
// streak has held for a full lossBackoffWindow does it back off.
func TestControllerBacksOffOnSustainedLoss(t *testing.T) {
	enc := &fakeEncoder{}
	c := NewController(enc, 1_000_000, "[codec:test]")

	rr := &rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{FractionLost: 64}}} // 64/256 = 25%
	c.OnReceiverReport(rr)
	if c.Bitrate() != 1_000_000 {
		t.Fatalf("expected no change before the loss window elapses, got %d", c.Bitrate())
	}

	c.lossHighSince = time.Now().Add(-2 * lossBackoffWindow)
	c.OnReceiverReport(rr)
	if c.Bitrate() >= 1_000_000 {
		t.Fatalf("expected bitrate to drop after a sustained loss window, got %d", c.Bitrate())
	}
	if enc.bitrate != c.Bitrate() {
		t.Fatalf("encoder not updated: enc.bitrate=%d controller=%d", enc.bitrate, c.Bitrate())
	}
}

// TestControllerDoesNotBackOffOnTransientLoss is exactly the oscillation
// case the windowed design exists to prevent: one lossy sample followed
// immediately by a clean one must leave the bitrate untouched.
func TestControllerDoesNotBackOffOnTransientLoss(t *testing.T) {
	enc := &fakeEncoder{}
	c := NewController(enc, 1_000_000, "[codec:test]")

	c.onLossSample(0.25)
	c.onLossSample(0)
	if c.Bitrate() != 1_000_000 {
		t.Fatalf("expected a transient loss sample not to move bitrate, got %d", c.Bitrate())
	}
	if enc.bitrate != 0 {
		t.Fatalf("expected the encoder to never see a SetBitrate call, got %d", enc.bitrate)
	}
}

// TestControllerRecoversAfterSustainedCleanWindow mirrors the backoff test
// for the raise side: a single clean report must not move the bitrate;
// only a full lossRecoverWindow of zero loss raises it.
func TestControllerRecoversAfterSustainedCleanWindow(t *testing.T) {
	enc := &fakeEncoder{}
	c := NewController(enc, 500_000, "[codec:test]")

	rr := &rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{FractionLost: 0}}}
	c.OnReceiverReport(rr)
	if c.Bitrate() != 500_000 {
		t.Fatalf("expected no change before the recover window elapses, got %d", c.Bitrate())
	}

	c.lossLowSince = time.Now().Add(-2 * lossRecoverWindow)
	c.OnReceiverReport(rr)
	if c.Bitrate() <= 500_000 {
		t.Fatalf("expected bitrate to rise after a sustained clean window, got %d", c.Bitrate())
	}
}

func TestControllerClampsBitrate(t *testing.T) {
	enc := &fakeEncoder{}
	c := NewController(enc, minBitrateBps, "[codec:test]")

	c.lossHighSince = time.Now().Add(-2 * lossBackoffWindow)
	rr := &rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{FractionLost: 255}}}
	c.OnReceiverReport(rr)

	if c.Bitrate() < minBitrateBps {
		t.Fatalf("bitrate fell below floor: %d", c.Bitrate())
	}
}

// TestSetBitrateIdempotentAtControllerLevel takes the recovery branch
// repeatedly and checks that the encoder's bitrate does not drift from the
// controller's own target.
func TestSetBitrateIdempotentAtControllerLevel(t *testing.T) {
	enc := &fakeEncoder{}
	c := NewController(enc, 200_000, "[codec:test]")

	for i := 0; i < 3; i++ {
		c.lossLowSince = time.Now().Add(-2 * lossRecoverWindow)
		c.onLossSample(0)
	}
	before := enc.bitrate
	c.lossLowSince = time.Now().Add(-2 * lossRecoverWindow)
	c.onLossSample(0) // same branch again; encoder and controller must stay in sync
	if enc.bitrate != before && c.Bitrate() != enc.bitrate {
		t.Fatalf("encoder state diverged from controller: enc=%d controller=%d", enc.bitrate, c.Bitrate())
	}
}

func TestControllerRequestKeyframeRateLimited(t *testing.T) {
	enc := &fakeEncoder{}
	c := NewController(enc, 500_000, "[codec:test]")

	c.RequestKeyframe()
	c.RequestKeyframe()
	c.RequestKeyframe()

	if enc.kfRequests != 1 {
		t.Fatalf("expected exactly 1 keyframe request within the rate-limit window, got %d", enc.kfRequests)
	}

	c.lastKeyframeAt = time.Now().Add(-2 * keyframeRequestInterval)
	c.RequestKeyframe()
	if enc.kfRequests != 2 {
		t.Fatalf("expected a second request after the window elapsed, got %d", enc.kfRequests)
	}
}

func TestUpdateJitterFirstSampleFromZero(t *testing.T) {
	got := UpdateJitter(0, 1000.0)
	want := 1000.0 / 16.0
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("jitter = %v, want %v", got, want)
	}
}

func TestUpdateJitterAccumulates(t *testing.T) {
	j := UpdateJitter(0, 0)
	j = UpdateJitter(j, 32.0)
	want := 32.0 / 16.0
	if diff := j - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("jitter = %v, want %v", j, want)
	}
}

func TestUpdateJitterUsesAbsoluteDelta(t *testing.T) {
	pos := UpdateJitter(0, 40.0)
	neg := UpdateJitter(0, -40.0)
	if pos != neg {
		t.Fatalf("expected symmetric treatment of +/- transit delta, got %v vs %v", pos, neg)
	}
}

package audiojitter

import (
	"testing"

	"github.com/pion/rtp"
)

// fakeDecoder returns a constant-amplitude PCM frame so Normal/Merge/
// Accelerate ticks have deterministic, clearly non-silent output.
type fakeDecoder struct{ amplitude float32 }

func (f fakeDecoder) Decode(payload []byte) ([]float32, error) {
	out := make([]float32, 480) // 10ms @ 48kHz mono
	for i := range out {
		out[i] = f.amplitude
	}
	return out, nil
}

// newTestBuffer sets the low delay margin equal to the 80ms default floor,
// so the low edge of the target band is 0ms and a buffer holding only one
// or two packets plays Normal rather than PreemptiveExpand.
func newTestBuffer() *Buffer {
	return New(Config{SampleRate: 48000, Channels: 1, LowDelayMarginMs: defaultFloorDelayMs}, fakeDecoder{amplitude: 1.0}, "[test]")
}

func pushPacket(b *Buffer, seq uint16, ts uint32, arrivalMs float64) {
	b.Push(&Packet{
		Header: rtp.Header{
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           1,
		},
		Payload:    []byte{0xAA},
		SampleRate: 48000,
		Channels:   1,
		DurationMs: TickMs,
	}, arrivalMs)
}

// TestEmptyBufferEmitsExpand covers B2: a tick when the store is empty
// yields exactly one 10ms frame of low-amplitude noise (Expand).
func TestEmptyBufferEmitsExpand(t *testing.T) {
	b := newTestBuffer()
	out, op := b.Tick()

	if op != OpExpand {
		t.Fatalf("expected Expand on an empty buffer, got %v", op)
	}
	if len(out) != 480 {
		t.Fatalf("expected 480-sample (10ms@48kHz) frame, got %d", len(out))
	}
	for _, s := range out {
		if s > 1e-4 || s < -1e-4 {
			t.Fatalf("expected comfort noise peak <= 1e-4, got %v", s)
		}
	}
}

func TestNormalPlaybackAfterBaseline(t *testing.T) {
	b := newTestBuffer()
	pushPacket(b, 1, 0, 0)

	out, op := b.Tick()
	if op != OpNormal {
		t.Fatalf("expected Normal for the first buffered packet, got %v", op)
	}
	if out[0] != 1.0 {
		t.Fatalf("expected decoded amplitude 1.0, got %v", out[0])
	}
}

// TestReorderAndConceal mirrors spec scenario 3: sequences 10,11,13 arrive
// (12 missing), the tick for seq 12 emits Expand, and once 12 arrives late
// the following tick emits Merge.
func TestReorderAndConceal(t *testing.T) {
	b := newTestBuffer()
	const tickTS = 480 // 10ms @ 48kHz

	pushPacket(b, 10, 0*tickTS, 0)
	out, op := b.Tick()
	if op != OpNormal {
		t.Fatalf("tick 1: expected Normal, got %v", op)
	}
	if out[0] != 1.0 {
		t.Fatalf("tick 1: expected real audio")
	}

	pushPacket(b, 11, 1*tickTS, 20)
	_, op = b.Tick()
	if op != OpNormal {
		t.Fatalf("tick 2: expected Normal, got %v", op)
	}

	// seq 12 (2*tickTS) never arrives yet; seq 13 (3*tickTS) arrives early.
	pushPacket(b, 13, 3*tickTS, 40)
	_, op = b.Tick()
	if op != OpExpand {
		t.Fatalf("tick 3: expected Expand while seq 12 is missing, got %v", op)
	}

	pushPacket(b, 12, 2*tickTS, 80)
	_, op = b.Tick()
	if op != OpMerge {
		t.Fatalf("tick 4: expected Merge once seq 12 arrives, got %v", op)
	}
}

func TestRejectsDuplicatePacket(t *testing.T) {
	b := newTestBuffer()
	pushPacket(b, 1, 0, 0)
	pushPacket(b, 1, 0, 1)

	if b.stats.RejectedDuplicate == 0 {
		t.Fatalf("expected duplicate packet to be rejected")
	}
}

func TestResetForcesExpandUntilNewBaseline(t *testing.T) {
	b := newTestBuffer()
	pushPacket(b, 1, 0, 0)
	b.Tick()

	b.Reset()

	out, op := b.Tick()
	if op != OpExpand {
		t.Fatalf("expected Expand immediately after reset, got %v", op)
	}
	if len(out) != 480 {
		t.Fatalf("expected a full 10ms frame even right after reset")
	}

	stats := b.Stats()
	if stats.PacketsAwaitingDecode != 0 {
		t.Fatalf("expected empty store after reset, got %d packets", stats.PacketsAwaitingDecode)
	}
}

func TestStatsExposeCounters(t *testing.T) {
	b := newTestBuffer()
	pushPacket(b, 1, 0, 0)
	b.Tick()
	b.Tick() // empty now: Expand

	stats := b.Stats()
	if stats.NormalCount != 1 || stats.ExpandCount != 1 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if stats.ExpandRate() <= 0 {
		t.Fatalf("expected nonzero expand rate, got %v", stats.ExpandRate())
	}
}

func TestSequenceAndTimestampWrapAround(t *testing.T) {
	if !sequenceNewer(0, 65535) {
		t.Fatalf("expected seq 0 to be newer than 65535 (wrap)")
	}
	if sequenceNewer(65535, 0) {
		t.Fatalf("expected seq 65535 to not be newer than 0")
	}
	if !timestampNewer(0, 0xFFFFFFFF) {
		t.Fatalf("expected timestamp 0 to be newer than 0xFFFFFFFF (wrap)")
	}
}

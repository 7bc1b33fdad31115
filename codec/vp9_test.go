package codec

import "testing"

func TestVp9EncoderKeyframeCadence(t *testing.T) {
	const w, h = 4, 4
	e := NewVp9Encoder(w, h, 1_000_000)
	frame := make([]byte, w*h*3) // BGR, all black

	first, err := e.Encode(frame)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(first) != 1 || !first[0].Key {
		t.Fatalf("expected the first frame to be a keyframe, got %+v", first)
	}

	second, err := e.Encode(frame)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if second[0].Key {
		t.Fatalf("expected the second frame to be a delta frame")
	}
}

func TestVp9EncoderRequestKeyframeConsumedOnce(t *testing.T) {
	const w, h = 4, 4
	e := NewVp9Encoder(w, h, 1_000_000)
	frame := make([]byte, w*h*3)

	if _, err := e.Encode(frame); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e.RequestKeyframe()

	out, err := e.Encode(frame)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !out[0].Key {
		t.Fatalf("expected requested keyframe to be honored")
	}

	out2, err := e.Encode(frame)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if out2[0].Key {
		t.Fatalf("expected keyframe request to be consumed, not sticky")
	}
}

func TestVp9EncoderSetBitrateAfterClose(t *testing.T) {
	e := NewVp9Encoder(4, 4, 1_000_000)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.SetBitrate(500_000); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

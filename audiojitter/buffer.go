package audiojitter

import (
	"log"
	"sync"
)

// TickMs is the fixed output cadence: exactly one PCM frame per call to
// Tick, per spec §4.4.1/§4.4.6.
const TickMs = 10

// Operation is the FSM state chosen for a given tick (spec §4.4.4).
type Operation int

const (
	OpNormal Operation = iota
	OpExpand
	OpMerge
	OpAccelerate
	OpPreemptiveExpand
)

func (o Operation) String() string {
	switch o {
	case OpNormal:
		return "normal"
	case OpExpand:
		return "expand"
	case OpMerge:
		return "merge"
	case OpAccelerate:
		return "accelerate"
	case OpPreemptiveExpand:
		return "preemptive_expand"
	default:
		return "unknown"
	}
}

// Decoder turns an encoded payload into PCM samples. audiojitter depends
// only on this narrow interface, not on the codec package, so the jitter
// buffer can be tested without a real Opus decoder.
type Decoder interface {
	Decode(payload []byte) ([]float32, error)
}

// Config parameterizes a Buffer; zero values fall back to spec defaults.
type Config struct {
	SampleRate           uint32
	Channels             uint8
	FloorDelayMs         uint32 // default 80ms
	CeilingDelayMs       uint32
	LowDelayMarginMs     uint32 // default 20ms — Open Question 2, see DESIGN.md
	HighDelayMarginMs    uint32 // default 40ms
	EnableFastAccelerate bool
}

const (
	defaultLowDelayMarginMs  = 20
	defaultHighDelayMarginMs = 40
)

// Stats exposes the counters named in spec §4.4.6.
type Stats struct {
	CurrentBufferSizeMs   uint32
	TargetDelayMs         uint32
	PacketsAwaitingDecode int
	NormalCount           uint64
	ExpandCount           uint64
	MergeCount            uint64
	AccelerateCount       uint64
	PreemptiveExpandCount uint64
	RejectedStale         uint64
	RejectedDuplicate     uint64
	ArrivalJitterMs       float64 // RFC 3550 interarrival jitter estimate, spec §4.4.3
}

func (s Stats) expandRate() float64 {
	total := s.NormalCount + s.ExpandCount + s.MergeCount + s.AccelerateCount + s.PreemptiveExpandCount
	if total == 0 {
		return 0
	}
	return float64(s.ExpandCount) / float64(total)
}

func (s Stats) accelerateRate() float64 {
	total := s.NormalCount + s.ExpandCount + s.MergeCount + s.AccelerateCount + s.PreemptiveExpandCount
	if total == 0 {
		return 0
	}
	return float64(s.AccelerateCount) / float64(total)
}

// ExpandRate returns the fraction of ticks so far spent concealing.
func (s Stats) ExpandRate() float64 { return s.expandRate() }

// AccelerateRate returns the fraction of ticks so far spent accelerating.
func (s Stats) AccelerateRate() float64 { return s.accelerateRate() }

// Buffer is the NetEq-style audio jitter buffer (spec §4.4): packet store,
// buffer-level filter, delay manager, operation FSM, and concealment
// generator, combined behind a Push/Tick interface that always produces
// exactly one frame per call.
type Buffer struct {
	mu sync.Mutex

	cfg           Config
	dec           Decoder
	tickSamplesTS uint32 // timestamp units advanced per tick (RTP clock == sample rate)
	frameLen      int    // output slice length (tickSamplesTS * channels)

	st      *store
	level   *bufferLevelFilter
	delay   *delayManager
	conceal *concealment

	lastOp               Operation
	haveLastOp           bool
	timeStretchedSamples int       // signed; positive=removed by Accelerate this tick, negative=added by PreemptiveExpand
	prevTail             []float32 // tail of the previous tick's output, for crossfades

	stats Stats

	logTag string
}

// New constructs a Buffer. dec may be nil only in tests that never reach a
// Normal/Accelerate/PreemptiveExpand/Merge tick (i.e. exercise Expand only).
func New(cfg Config, dec Decoder, logTag string) *Buffer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.LowDelayMarginMs == 0 {
		cfg.LowDelayMarginMs = defaultLowDelayMarginMs
	}
	if cfg.HighDelayMarginMs == 0 {
		cfg.HighDelayMarginMs = defaultHighDelayMarginMs
	}
	if logTag == "" {
		logTag = "[audiojitter]"
	}

	tickSamplesTS := cfg.SampleRate / (1000 / TickMs)
	b := &Buffer{
		cfg:           cfg,
		dec:           dec,
		tickSamplesTS: tickSamplesTS,
		frameLen:      int(tickSamplesTS) * int(cfg.Channels),
		st:            newStore(),
		level:         newBufferLevelFilter(cfg.SampleRate),
		delay:         newDelayManager(cfg.FloorDelayMs, cfg.CeilingDelayMs),
		conceal:       newConcealment(cfg.SampleRate),
		logTag:        logTag,
	}
	return b
}

// Push ingests one arrived packet, applying the reject-stale/reject-
// duplicate rules of §4.4.3 and feeding the delay manager's arrival
// tracking. arrivalMs should be a monotonic clock reading in milliseconds.
func (b *Buffer) Push(p *Packet, arrivalMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st.insert(p, arrivalMs) {
	case insertRejectedStale:
		b.stats.RejectedStale++
		return
	case insertRejectedDuplicate:
		b.stats.RejectedDuplicate++
		return
	}
	b.delay.observe(arrivalMs)
}

// Tick advances the FSM by exactly one 10ms tick and returns the PCM frame
// to hand to the playout device, along with which operation produced it.
func (b *Buffer) Tick() ([]float32, Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.delay.targetDelayMs()
	b.level.setTargetLevelMs(target)
	b.level.update(b.st.size()*int(b.tickSamplesTS), b.timeStretchedSamples)
	b.timeStretchedSamples = 0

	low := subClampUint32(target, b.cfg.LowDelayMarginMs)
	high := target + b.cfg.HighDelayMarginMs
	levelMs := b.level.currentLevelMs()

	expectedTS, haveExpected := b.expectedTimestamp()
	expectedPkt, expectedPresent := (*Packet)(nil), false
	if haveExpected {
		expectedPkt, expectedPresent = b.st.popExact(expectedTS)
	}

	// A missing expected packet is first concealed (Expand), so a late
	// arrival can still be spliced back in with Merge. If the previous tick
	// already concealed and a later packet is queued, the expected one is
	// treated as lost and playback resyncs onto the earliest later packet
	// instead of concealing a slot that may never fill.
	var resyncPkt *Packet
	var resyncTS uint32
	resyncPresent := false
	if haveExpected && !expectedPresent && b.haveLastOp && b.lastOp == OpExpand && b.st.hasAnyNewerThan(expectedTS) {
		resyncPkt, resyncTS, resyncPresent = b.st.popEarliestNewerThan(expectedTS)
	}

	var out []float32
	var op Operation

	switch {
	case resyncPresent:
		op = OpNormal
		out = b.runNormal(resyncPkt, resyncTS)

	case !expectedPresent:
		op = OpExpand
		out = b.runExpand()

	case b.haveLastOp && b.lastOp == OpExpand:
		op = OpMerge
		out = b.runMerge(expectedPkt, expectedTS)

	case levelMs > high:
		op = OpAccelerate
		out = b.runAccelerate(expectedPkt, expectedTS)

	case levelMs < low:
		op = OpPreemptiveExpand
		out = b.runPreemptiveExpand(expectedPkt, expectedTS)

	default:
		op = OpNormal
		out = b.runNormal(expectedPkt, expectedTS)
	}

	b.recordOp(op)
	b.lastOp = op
	b.haveLastOp = true

	if len(out) >= b.conceal.overlapLength {
		b.prevTail = append(b.prevTail[:0], out[len(out)-b.conceal.overlapLength:]...)
	}

	return out, op
}

func (b *Buffer) recordOp(op Operation) {
	switch op {
	case OpNormal:
		b.stats.NormalCount++
	case OpExpand:
		b.stats.ExpandCount++
	case OpMerge:
		b.stats.MergeCount++
	case OpAccelerate:
		b.stats.AccelerateCount++
	case OpPreemptiveExpand:
		b.stats.PreemptiveExpandCount++
	}
}

// expectedTimestamp computes the next RTP timestamp the FSM wants to play.
// Before any frame has played, the earliest buffered packet establishes the
// baseline (spec §4.4.7: "until a new timestamp baseline is acquired").
func (b *Buffer) expectedTimestamp() (uint32, bool) {
	if b.st.haveLastPlayed {
		return b.st.lastPlayedTS + b.tickSamplesTS, true
	}
	p, ok := b.st.earliest(0)
	if !ok {
		return 0, false
	}
	return p.Header.Timestamp, true
}

func (b *Buffer) decode(p *Packet) []float32 {
	if p == nil || b.dec == nil {
		return make([]float32, b.frameLen)
	}
	samples, err := b.dec.Decode(p.Payload)
	if err != nil {
		log.Printf("%s decode failed, substituting silence: %v", b.logTag, err)
		return make([]float32, b.frameLen)
	}
	if len(samples) < b.frameLen {
		padded := make([]float32, b.frameLen)
		copy(padded, samples)
		return padded
	}
	return samples[:b.frameLen]
}

func (b *Buffer) runNormal(p *Packet, ts uint32) []float32 {
	b.st.markPlayed(ts)
	return b.decode(p)
}

// runExpand generates comfort noise, crossfading in with the tail of the
// previous real output if this is the first tick of a new Expand run
// (spec §4.4.4's ExpandStart).
func (b *Buffer) runExpand() []float32 {
	out := make([]float32, b.frameLen)
	b.conceal.comfortNoise(out)

	startingNewRun := !(b.haveLastOp && b.lastOp == OpExpand)
	if startingNewRun && len(b.prevTail) >= b.conceal.overlapLength {
		b.conceal.crossfadeIn(b.prevTail, out)
	}
	return out
}

// runMerge decodes the newly arrived expected packet and crossfades its
// head with the tail of the preceding concealment run (spec §4.4.4 Merge).
func (b *Buffer) runMerge(p *Packet, ts uint32) []float32 {
	b.st.markPlayed(ts)
	out := b.decode(p)
	if len(b.prevTail) >= b.conceal.overlapLength && len(out) >= b.conceal.overlapLength {
		blended := make([]float32, b.conceal.overlapLength)
		b.conceal.crossfadeOut(b.prevTail, out[:b.conceal.overlapLength], blended)
		copy(out[:b.conceal.overlapLength], blended)
	}
	return out
}

// runAccelerate decodes the expected packet and, if fast-forwarding is
// possible (a following packet is already buffered), drops it as the
// "removed" excess, recording the approximate sample count in
// timeStretchedSamples (spec §4.4.4's "remove ≈N samples").
func (b *Buffer) runAccelerate(p *Packet, ts uint32) []float32 {
	b.st.markPlayed(ts)
	out := b.decode(p)

	nextTS := ts + b.tickSamplesTS
	if next, ok := b.st.popExact(nextTS); ok {
		_ = next // consumed/discarded: its samples are the ones time-compressed away
		b.timeStretchedSamples += b.conceal.overlapLength
	}
	return out
}

// runPreemptiveExpand decodes the expected packet normally but records a
// negative time-stretch delta, signalling the buffer-level filter that
// extra samples were effectively stretched in (spec §4.4.4's "extend via
// overlap-add, recording added samples").
func (b *Buffer) runPreemptiveExpand(p *Packet, ts uint32) []float32 {
	b.st.markPlayed(ts)
	out := b.decode(p)
	b.timeStretchedSamples -= b.conceal.overlapLength
	return out
}

// Stats returns a snapshot of the buffer's counters (spec §4.4.6).
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.CurrentBufferSizeMs = b.level.currentLevelMs()
	s.TargetDelayMs = b.delay.targetDelayMs()
	s.PacketsAwaitingDecode = b.st.packetsAwaitingDecode()
	s.ArrivalJitterMs = b.st.jitterMs
	return s
}

// Reset clears all buffered state (spec §4.4.7): packet store, time-stretch
// bookkeeping, and forces the filtered level to the current (now zero) raw
// size; the next Tick call acquires a fresh timestamp baseline and emits
// Expand until it does.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st.reset()
	b.timeStretchedSamples = 0
	b.level.setFilteredLevel(0)
	b.delay.reset()
	b.lastOp = OpExpand
	b.haveLastOp = false
	b.prevTail = nil
}

func subClampUint32(a, b uint32) uint32 {
	if b > a {
		return 0
	}
	return a - b
}

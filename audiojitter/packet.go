// Package audiojitter implements the NetEq-style audio jitter buffer (spec
// §4.4): packet store, buffer-level filter, delay manager, operation FSM,
// and concealment generator, producing exactly one PCM frame per 10ms tick.
package audiojitter

import (
	"time"

	"github.com/pion/rtp"
)

// Packet is one arrived audio payload, keyed by its RTP-style header.
// Reusing pion/rtp.Header gives the wrap-aware sequence/timestamp fields the
// same representation the rest of the corpus uses for RTP framing.
type Packet struct {
	Header      rtp.Header
	Payload     []byte
	ArrivalTime time.Time
	SampleRate  uint32
	Channels    uint8
	DurationMs  uint32
}

// ExpectedSamples returns the number of samples this packet's duration
// covers at its sample rate, across all channels.
func (p *Packet) ExpectedSamples() int {
	return int(uint64(p.SampleRate) * uint64(p.DurationMs) / 1000 * uint64(p.Channels))
}

// timestampNewer reports whether a is newer than b under 32-bit RTP
// wrap-around rules (spec §4.4.2, B1): a difference below 2^31 counts as
// newer, grounded on original_source's packet.rs is_timestamp_newer.
func timestampNewer(a, b uint32) bool {
	return a-b < 0x80000000
}

// sequenceNewer is the 16-bit counterpart, grounded on is_sequence_newer.
func sequenceNewer(a, b uint16) bool {
	return a-b < 0x8000
}

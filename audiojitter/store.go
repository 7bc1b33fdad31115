package audiojitter

import "github.com/rustyguts/mediaplane/codec"

// defaultReorderWindowMs bounds how far in the past (relative to the last
// played timestamp) an arriving packet may be before it's rejected as too
// stale to ever play (spec §4.4.3).
const defaultReorderWindowMs = 200

// store holds arrived-but-not-yet-played packets keyed by RTP timestamp,
// ordered via wrap-aware newer-than comparisons rather than a sorted
// container — buffer depth is small (single digits to low tens of packets),
// so a linear scan per lookup is the simplest correct approach, matching the
// teacher's own jitter.go preference for plain maps over generic ordered
// containers.
type store struct {
	packets map[uint32]*Packet

	haveLastPlayed  bool
	lastPlayedTS    uint32
	reorderWindowMs uint32

	haveTransit   bool
	lastTransitMs float64
	jitterMs      float64
}

func newStore() *store {
	return &store{
		packets:         make(map[uint32]*Packet),
		reorderWindowMs: defaultReorderWindowMs,
	}
}

// insertResult explains why Insert did or didn't accept a packet.
type insertResult int

const (
	insertAccepted insertResult = iota
	insertRejectedStale
	insertRejectedDuplicate
)

// insert applies the ingress rules of spec §4.4.3: reject stale packets,
// reject duplicates, track arrival jitter, otherwise buffer.
func (s *store) insert(p *Packet, arrivalMs float64) insertResult {
	ts := p.Header.Timestamp

	if _, dup := s.packets[ts]; dup {
		return insertRejectedDuplicate
	}

	s.trackArrivalJitter(p, arrivalMs)

	if s.haveLastPlayed {
		sampleRate := p.SampleRate
		if sampleRate == 0 {
			sampleRate = 48000
		}
		windowSamples := uint32(uint64(s.reorderWindowMs) * uint64(sampleRate) / 1000)
		age := s.lastPlayedTS - ts // wrap-aware: large if ts is newer than lastPlayed
		if !timestampNewer(ts, s.lastPlayedTS) && age > windowSamples {
			return insertRejectedStale
		}
	}

	s.packets[ts] = p
	return insertAccepted
}

// trackArrivalJitter implements the RFC 3550 §6.4.1 interarrival jitter
// estimate named in spec §4.4.3: each packet's "transit time" is its
// arrival time minus its RTP timestamp (converted to ms via sample rate,
// the "send time" proxy), and the smoothed jitter folds in the delta
// between consecutive transit times via codec.UpdateJitter, the RFC 3550
// smoothing step (this is its only caller).
func (s *store) trackArrivalJitter(p *Packet, arrivalMs float64) {
	sampleRate := p.SampleRate
	if sampleRate == 0 {
		sampleRate = 48000
	}
	sendMs := float64(p.Header.Timestamp) / float64(sampleRate) * 1000
	transitMs := arrivalMs - sendMs

	if !s.haveTransit {
		s.haveTransit = true
		s.lastTransitMs = transitMs
		return
	}

	s.jitterMs = codec.UpdateJitter(s.jitterMs, transitMs-s.lastTransitMs)
	s.lastTransitMs = transitMs
}

// size returns the number of buffered packets.
func (s *store) size() int { return len(s.packets) }

// popExact removes and returns the packet at exactly ts, if present.
func (s *store) popExact(ts uint32) (*Packet, bool) {
	p, ok := s.packets[ts]
	if ok {
		delete(s.packets, ts)
	}
	return p, ok
}

// hasAnyNewerThan reports whether any buffered packet is newer than ts —
// used by the operation FSM to decide, after a concealed tick, whether a
// still-missing expected packet should be skipped (a later packet is
// queued: resync) or concealed again (nothing later: Expand).
func (s *store) hasAnyNewerThan(ts uint32) bool {
	for candidateTS := range s.packets {
		if timestampNewer(candidateTS, ts) {
			return true
		}
	}
	return false
}

// popEarliestNewerThan removes and returns the buffered packet with the
// smallest timestamp that is still newer than ts, if any — used to resync
// onto a packet that skipped ahead of a permanently missing expected one
// (spec §4.4.4 rule 1's "no later packet is queued" clause).
func (s *store) popEarliestNewerThan(ts uint32) (*Packet, uint32, bool) {
	var bestTS uint32
	found := false
	for candidateTS := range s.packets {
		if !timestampNewer(candidateTS, ts) {
			continue
		}
		if !found || timestampNewer(bestTS, candidateTS) {
			bestTS, found = candidateTS, true
		}
	}
	if !found {
		return nil, 0, false
	}
	p := s.packets[bestTS]
	delete(s.packets, bestTS)
	return p, bestTS, true
}

// earliest returns the buffered packet with the smallest timestamp relative
// to ref (wrap-aware), i.e. the next one the FSM should consider decoding.
func (s *store) earliest(ref uint32) (*Packet, bool) {
	var best *Packet
	var bestTS uint32
	first := true
	for ts, p := range s.packets {
		if first || timestampNewer(bestTS, ts) {
			best, bestTS, first = p, ts, false
		}
	}
	return best, best != nil
}

// markPlayed records ts as the most recently played timestamp.
func (s *store) markPlayed(ts uint32) {
	s.lastPlayedTS = ts
	s.haveLastPlayed = true
}

// reset clears all buffered packets and the last-played baseline (spec
// §4.4.7): the next operation is forced to Expand until a new baseline is
// acquired.
func (s *store) reset() {
	s.packets = make(map[uint32]*Packet)
	s.haveLastPlayed = false
	s.lastPlayedTS = 0
	s.haveTransit = false
	s.lastTransitMs = 0
	s.jitterMs = 0
}

// packetsAwaitingDecode mirrors the stats field of the same name (§4.4.6).
func (s *store) packetsAwaitingDecode() int { return len(s.packets) }

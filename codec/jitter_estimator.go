package codec

import "math"

// UpdateJitter applies the RFC 3550 §6.4.1 interarrival jitter smoothing
// step — `J += (|D| - J) / 16`, where D is the difference between
// consecutive packets' (arrival time - send time) — to prevJitter given
// this sample's transit-time delta, returning the new smoothed estimate.
// audiojitter's ingress path (spec §4.4.3) is the sole caller, folding in
// RTP-timestamp-derived transit deltas; no sender-side encoder path in
// this repo has a matching fixed-cadence proxy to drive this formula from.
func UpdateJitter(prevJitter, transitDiff float64) float64 {
	return prevJitter + (math.Abs(transitDiff)-prevJitter)/16.0
}

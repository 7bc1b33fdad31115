package room

import "sync/atomic"

// Circuit breaker constants for fan-out, grounded verbatim on the teacher's
// server/client.go sendHealth.
const (
	circuitBreakerThreshold     uint32 = 50 // ~1s of voice at 50fps
	circuitBreakerProbeInterval uint32 = 25 // attempt a probe every 25 skips
)

// sendHealth isolates per-peer send failures so one unreachable peer never
// slows down fan_out to everyone else (spec §4.3's "per-peer failures
// isolated").
type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

// shouldSkip reports whether the breaker is open and this isn't a probe
// attempt.
func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() uint32 {
	return h.failures.Add(1)
}

// recordSuccess clears the breaker and reports whether it had been open.
func (h *sendHealth) recordSuccess() bool {
	wasTripped := h.failures.Swap(0) >= circuitBreakerThreshold
	if wasTripped {
		h.skips.Store(0)
	}
	return wasTripped
}

package codec

import (
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
)

const (
	minBitrateBps = 16_000
	maxBitrateBps = 2_500_000

	// keyframeRequestInterval rate-limits RequestKeyframe to once per
	// second, matching the "request_keyframe rate-limited to once/sec"
	// requirement (spec §4.6, L4).
	keyframeRequestInterval = time.Second

	// lossBackoffThreshold, backoffFactor and recoverFactor mirror the
	// teacher's coarse congestion response: back off hard (halve) on
	// meaningful loss, step up cautiously once loss is exactly zero.
	lossBackoffThreshold = 0.05 // fraction lost, scale 0.0-1.0
	backoffFactor        = 0.5
	recoverFactor        = 1.05

	// lossBackoffWindow and lossRecoverWindow are spec §4.6's "sustained
	// fraction-lost > threshold over a 2s window" / "below low threshold
	// for 5s" windows: a single noisy sample never moves the bitrate by
	// itself, only a streak that holds for the whole window.
	lossBackoffWindow = 2 * time.Second
	lossRecoverWindow = 5 * time.Second
)

// Controller drives an Encoder's bitrate and keyframe cadence from receiver
// feedback, grounded on original_source's videocall-codecs encoder.rs
// control points and the jitter_estimator.rs congestion signal.
type Controller struct {
	mu  sync.Mutex
	enc Encoder
	log string // log tag, e.g. "[codec:video]"

	currentBitrate int
	lastKeyframeAt time.Time

	lossHighSince time.Time // zero when not in a sustained-high-loss streak
	lossLowSince  time.Time // zero when not in a sustained-clean streak

	recentSilent bool // last encoded frame was below silenceRMSThreshold
}

// NewController wires a Controller to enc, starting at initialBitrateBps.
func NewController(enc Encoder, initialBitrateBps int, logTag string) *Controller {
	return &Controller{
		enc:            enc,
		log:            logTag,
		currentBitrate: clampBitrate(initialBitrateBps),
	}
}

// OnReceiverReport folds an RTCP receiver report into the bitrate decision.
// fractionLost is rtcp.ReceptionReport.FractionLost, an 8-bit fixed-point
// fraction (value/256) per RFC 3550 §6.4.1.
func (c *Controller) OnReceiverReport(rr *rtcp.ReceiverReport) {
	for _, report := range rr.Reports {
		c.onLossSample(float64(report.FractionLost) / 256.0)
	}
}

// onLossSample folds in one more fraction-lost sample, applying the
// windowed policy of spec §4.6: backing off requires lossFraction to have
// stayed at or above lossBackoffThreshold for the whole of
// lossBackoffWindow, and recovering requires it to have stayed exactly
// zero for the whole of lossRecoverWindow. A single lossy report followed
// by a single clean one therefore never oscillates the bitrate.
func (c *Controller) onLossSample(lossFraction float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	next := c.currentBitrate

	switch {
	case lossFraction >= lossBackoffThreshold:
		c.lossLowSince = time.Time{}
		if c.lossHighSince.IsZero() {
			c.lossHighSince = now
		} else if now.Sub(c.lossHighSince) >= lossBackoffWindow {
			next = int(float64(c.currentBitrate) * backoffFactor)
			c.lossHighSince = now // next backoff needs its own full window
		}
	case lossFraction == 0:
		c.lossHighSince = time.Time{}
		if c.lossLowSince.IsZero() {
			c.lossLowSince = now
		} else if now.Sub(c.lossLowSince) >= lossRecoverWindow {
			if !c.recentSilent {
				next = int(float64(c.currentBitrate) * recoverFactor)
			}
			c.lossLowSince = now // next raise needs its own full window
		}
	default:
		// Below the backoff threshold but not clean: neither streak holds.
		c.lossHighSince = time.Time{}
		c.lossLowSince = time.Time{}
	}

	next = clampBitrate(next)
	if next == c.currentBitrate {
		return
	}
	c.currentBitrate = next
	if err := c.enc.SetBitrate(next); err != nil {
		log.Printf("%s set bitrate to %d: %v", c.log, next, err)
	}
}

// NoteFrame records voice-activity state from the most recently encoded
// audio Frame. A recovery raise during a silent stretch would be acting on
// the absence of a signal rather than on genuine receiver feedback, so
// onLossSample withholds the raise branch while recentSilent is true.
func (c *Controller) NoteFrame(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recentSilent = f.Silent
}

// RequestKeyframe asks the encoder for a keyframe, silently dropping the
// request if one was already granted within the last second.
func (c *Controller) RequestKeyframe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastKeyframeAt) < keyframeRequestInterval {
		return
	}
	c.lastKeyframeAt = time.Now()
	c.enc.RequestKeyframe()
}

// Bitrate returns the controller's current bitrate target in bits/sec.
func (c *Controller) Bitrate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentBitrate
}

func clampBitrate(bps int) int {
	if bps < minBitrateBps {
		return minBitrateBps
	}
	if bps > maxBitrateBps {
		return maxBitrateBps
	}
	return bps
}

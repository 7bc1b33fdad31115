package audiojitter

const (
	delayHistogramBins   = 100
	delayHistogramBinMs  = 20
	delayHistogramForget = 0.99 // slow forget factor for the weighted moving average

	defaultFloorDelayMs   = 80
	defaultCeilingDelayMs = 1000

	targetPercentile = 0.95
)

// delayManager tracks inter-arrival delay in a coarse histogram and derives
// a target playout delay from its 95th percentile, clamped to
// [floorMs, ceilingMs] (spec §4.4.5).
type delayManager struct {
	histogram [delayHistogramBins]float64 // weighted occupancy per 20ms bin
	floorMs   uint32
	ceilingMs uint32

	lastArrivalMs float64
	haveArrival   bool
}

func newDelayManager(floorMs, ceilingMs uint32) *delayManager {
	if floorMs == 0 {
		floorMs = defaultFloorDelayMs
	}
	if ceilingMs == 0 {
		ceilingMs = defaultCeilingDelayMs
	}
	return &delayManager{floorMs: floorMs, ceilingMs: ceilingMs}
}

// observe folds in one packet's arrival time (ms, monotonic clock) and
// updates the histogram with the inter-arrival delay it implies.
func (d *delayManager) observe(arrivalMs float64) {
	if !d.haveArrival {
		d.lastArrivalMs = arrivalMs
		d.haveArrival = true
		return
	}
	delay := arrivalMs - d.lastArrivalMs
	d.lastArrivalMs = arrivalMs
	if delay < 0 {
		delay = 0
	}

	bin := int(delay / delayHistogramBinMs)
	if bin >= delayHistogramBins {
		bin = delayHistogramBins - 1
	}

	// Weighted moving average with a slow forget factor: the new sample
	// nudges its bin up and every bin decays toward zero so the histogram
	// tracks recent conditions rather than accumulating forever.
	for i := range d.histogram {
		d.histogram[i] *= delayHistogramForget
	}
	d.histogram[bin] += 1 - delayHistogramForget
}

// targetDelayMs returns the 95th-percentile delay from the histogram,
// clamped to [floorMs, ceilingMs].
func (d *delayManager) targetDelayMs() uint32 {
	var total float64
	for _, v := range d.histogram {
		total += v
	}
	if total == 0 {
		return d.floorMs
	}

	threshold := total * targetPercentile
	var cumulative float64
	percentileBin := delayHistogramBins - 1
	for i, v := range d.histogram {
		cumulative += v
		if cumulative >= threshold {
			percentileBin = i
			break
		}
	}

	targetMs := uint32((percentileBin + 1) * delayHistogramBinMs)
	if targetMs < d.floorMs {
		return d.floorMs
	}
	if targetMs > d.ceilingMs {
		return d.ceilingMs
	}
	return targetMs
}

func (d *delayManager) reset() {
	d.histogram = [delayHistogramBins]float64{}
	d.haveArrival = false
	d.lastArrivalMs = 0
}

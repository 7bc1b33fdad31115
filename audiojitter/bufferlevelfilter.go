package audiojitter

// bufferLevelSmoothingFactor is the exponential-smoothing α from spec
// §4.4.2, grounded verbatim on original_source's
// BUFFER_LEVEL_SMOOTHING_FACTOR (0.9 balances filtering short-term jitter
// against responding to real buffer trends within ~10 frames).
const bufferLevelSmoothingFactor = 0.9

// bufferLevelFilter smooths the raw buffer size to prevent the operation
// FSM from oscillating between Accelerate and PreemptiveExpand on every
// tick, grounded on original_source's buffer_level_filter.rs.
type bufferLevelFilter struct {
	filteredLevelSamples float64
	targetLevelMs        uint32
	sampleRateHz         uint32
	initialized          bool
}

func newBufferLevelFilter(sampleRateHz uint32) *bufferLevelFilter {
	return &bufferLevelFilter{sampleRateHz: sampleRateHz}
}

// update folds in the current raw buffer size and compensates for samples
// added/removed by a prior Accelerate/PreemptiveExpand operation (spec
// §4.4.2's exact formula): level ← α·level + (1−α)·(current_size −
// time_stretched_samples); first update sets level directly.
func (f *bufferLevelFilter) update(bufferSizeSamples int, timeStretchedSamples int) {
	currentLevel := float64(bufferSizeSamples) - float64(timeStretchedSamples)
	if !f.initialized {
		f.filteredLevelSamples = currentLevel
		f.initialized = true
		return
	}
	f.filteredLevelSamples = bufferLevelSmoothingFactor*f.filteredLevelSamples +
		(1-bufferLevelSmoothingFactor)*currentLevel
}

// setFilteredLevel forces the level directly, used on reset/flush (spec
// §4.4.7).
func (f *bufferLevelFilter) setFilteredLevel(bufferSizeSamples int) {
	f.filteredLevelSamples = float64(bufferSizeSamples)
	f.initialized = true
}

func (f *bufferLevelFilter) currentLevelSamples() int {
	if f.filteredLevelSamples < 0 {
		return 0
	}
	return int(f.filteredLevelSamples)
}

func (f *bufferLevelFilter) currentLevelMs() uint32 {
	if f.sampleRateHz == 0 {
		return 0
	}
	samples := f.currentLevelSamples()
	return uint32(uint64(samples) * 1000 / uint64(f.sampleRateHz))
}

func (f *bufferLevelFilter) setTargetLevelMs(targetMs uint32) {
	f.targetLevelMs = targetMs
}

func (f *bufferLevelFilter) targetLevelSamples() int {
	if f.sampleRateHz == 0 {
		return 0
	}
	return int(uint64(f.targetLevelMs) * uint64(f.sampleRateHz) / 1000)
}

func (f *bufferLevelFilter) reset() {
	f.filteredLevelSamples = 0
	f.initialized = false
}

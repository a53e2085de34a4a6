// Package vad implements energy-based voice activity detection with an
// adaptive noise floor.
//
// The detector is a stateful, per-stream classifier: it is invoked once
// per fixed-duration PCM16 frame and returns a Result describing the
// frame plus any state transition (speech started / speech ended) it
// caused. Turn-taking logic upstream acts on those transitions; the raw
// audio itself always flows to the model regardless of classification.
//
// A Detector is not safe for concurrent use; each audio stream owns one.
package vad

import (
	"errors"
	"math"
	"sort"
)

// Config holds the parameters for a Detector.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of
	// the PCM frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// Silence and minimum-speech durations are accumulated in units of
	// this frame size.
	FrameSizeMs int

	// SpeechThreshold is the normalized energy above which a frame is
	// classified as speech, before noise-floor adaptation. Range
	// (0.0, 1.0]. The effective threshold never drops below this value.
	SpeechThreshold float64

	// SilenceDurationMs is the span of continuous silence that ends a
	// speech segment.
	SilenceDurationMs int

	// MinSpeechDurationMs is the shortest segment reported as a genuine
	// utterance. Shorter bursts are treated as noise: the detector
	// returns to silence without emitting SpeechEnded, and the burst is
	// fully discarded rather than merged into a previous segment.
	MinSpeechDurationMs int
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("sample rate must be positive"))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, errors.New("frame size must be positive"))
	}
	if c.SpeechThreshold <= 0 || c.SpeechThreshold > 1 {
		errs = append(errs, errors.New("speech threshold must be in (0.0, 1.0]"))
	}
	if c.SilenceDurationMs <= 0 {
		errs = append(errs, errors.New("silence duration must be positive"))
	}
	if c.MinSpeechDurationMs < 0 {
		errs = append(errs, errors.New("min speech duration must not be negative"))
	}
	return errors.Join(errs...)
}

// Result describes one processed frame.
type Result struct {
	// IsSpeech reports whether this frame's energy cleared the threshold.
	IsSpeech bool

	// SpeechStarted is set on the first speech frame of a segment.
	SpeechStarted bool

	// SpeechEnded is set on the frame where accumulated silence first
	// reaches SilenceDurationMs, provided the segment lasted at least
	// MinSpeechDurationMs.
	SpeechEnded bool

	// Energy is the frame's normalized RMS energy in [0.0, 1.0].
	Energy float64

	// Threshold is the effective detection threshold applied to this
	// frame after noise-floor adaptation.
	Threshold float64

	// Confidence is min(1, energy/threshold) for speech frames, 0 otherwise.
	Confidence float64
}

const (
	energyHistorySize = 50
	// Noise-floor adaptation waits for this many readings before trusting
	// the percentile estimate.
	minHistoryForFloor = 10
	noiseFloorScale    = 3
)

// Detector classifies fixed-size PCM16 frames as speech or silence.
type Detector struct {
	cfg Config

	isSpeaking    bool
	speechFrames  int
	silenceFrames int

	energyHistory []float64
	noiseFloor    float64
}

// New creates a Detector for the given configuration.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:           cfg,
		energyHistory: make([]float64, 0, energyHistorySize),
	}, nil
}

// ProcessFrame analyses a single little-endian PCM16 frame and returns
// the detection result. It must be called once per frame, in order, from
// a single goroutine.
func (d *Detector) ProcessFrame(frame []byte) Result {
	energy := rmsEnergy(frame)

	d.energyHistory = append(d.energyHistory, energy)
	if len(d.energyHistory) > energyHistorySize {
		d.energyHistory = d.energyHistory[len(d.energyHistory)-energyHistorySize:]
	}
	if len(d.energyHistory) > minHistoryForFloor {
		d.noiseFloor = percentile25(d.energyHistory)
	}

	threshold := d.cfg.SpeechThreshold
	if adaptive := d.noiseFloor * noiseFloorScale; adaptive > threshold {
		threshold = adaptive
	}

	res := Result{
		Energy:    energy,
		Threshold: threshold,
		IsSpeech:  energy > threshold,
	}
	if res.IsSpeech {
		res.Confidence = math.Min(1, energy/threshold)
	}

	if res.IsSpeech {
		d.silenceFrames = 0
		if !d.isSpeaking {
			d.isSpeaking = true
			res.SpeechStarted = true
		}
		d.speechFrames++
		return res
	}

	if !d.isSpeaking {
		return res
	}

	d.silenceFrames++
	if d.silenceFrames*d.cfg.FrameSizeMs >= d.cfg.SilenceDurationMs {
		speechDuration := d.speechFrames * d.cfg.FrameSizeMs
		if speechDuration >= d.cfg.MinSpeechDurationMs {
			res.SpeechEnded = true
		}
		// Below the minimum the segment was a noise burst; drop it
		// without signaling an utterance boundary.
		d.isSpeaking = false
		d.speechFrames = 0
		d.silenceFrames = 0
	}
	return res
}

// Speaking reports whether the detector currently considers the stream
// to be inside a speech segment.
func (d *Detector) Speaking() bool { return d.isSpeaking }

// Reset clears counters, the speaking flag, and the energy history. Use
// it when the audio stream restarts so stale noise-floor data from the
// previous segment does not affect new frames.
func (d *Detector) Reset() {
	d.isSpeaking = false
	d.speechFrames = 0
	d.silenceFrames = 0
	d.energyHistory = d.energyHistory[:0]
	d.noiseFloor = 0
}

// rmsEnergy computes root-mean-square energy of a little-endian PCM16
// frame, normalized to [0.0, 1.0] by full scale.
func rmsEnergy(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(frame[i*2]) | int16(frame[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768
}

// percentile25 returns the 25th-percentile value of vals.
func percentile25(vals []float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	return sorted[len(sorted)/4]
}

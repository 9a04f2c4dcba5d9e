package audio

import (
	"log/slog"
	"sync"
	"time"
)

// Sink receives decoded remote audio as mono float32 PCM at 48 kHz.
type Sink interface {
	Write(participant string, samples []float32)
}

// LevelMeter is a Sink that tracks per-participant signal level. It is the
// default when no playback device is wired.
type LevelMeter struct {
	mu     sync.Mutex
	levels map[string]Level
	logger *slog.Logger
}

// Level is the most recent audio activity of one participant.
type Level struct {
	Peak     float32
	Frames   int
	LastSeen time.Time
}

// NewLevelMeter creates an empty meter
func NewLevelMeter(logger *slog.Logger) *LevelMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LevelMeter{levels: make(map[string]Level), logger: logger}
}

func (m *LevelMeter) Write(participant string, samples []float32) {
	var peak float32
	for _, v := range samples {
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}

	m.mu.Lock()
	lvl := m.levels[participant]
	if lvl.Frames == 0 {
		m.logger.Debug("first remote audio frame", "participant", participant, "samples", len(samples))
	}
	lvl.Peak = peak
	lvl.Frames++
	lvl.LastSeen = time.Now()
	m.levels[participant] = lvl
	m.mu.Unlock()
}

// Level returns the current level for participant
func (m *LevelMeter) Level(participant string) (Level, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lvl, ok := m.levels[participant]
	return lvl, ok
}

// Reset forgets all participants
func (m *LevelMeter) Reset() {
	m.mu.Lock()
	m.levels = make(map[string]Level)
	m.mu.Unlock()
}

// Downmix averages interleaved channels into mono and clamps to [-1, 1].
func Downmix(interleaved []float32, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	n := len(interleaved) / channels
	mono := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i*channels+ch]
		}
		v := sum / float32(channels)
		// Opus can overshoot during transients
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		mono[i] = v
	}
	return mono
}

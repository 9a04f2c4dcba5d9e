package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// OpusRate is the sample rate of every frame handed to the encoder.
const OpusRate = 48000

// FrameMs is the duration of one encoded frame.
const FrameMs = 20

// Pipeline turns captured s16le PCM into fixed 20 ms float32 frames at
// 48 kHz for the opus encoder.
type Pipeline struct {
	inputSampleRate int
	resampler       *Resampler
	chunks          *ChunkBuffer
	logger          *slog.Logger
	frames          int
}

// NewPipeline creates a capture pipeline for mono PCM at inputSampleRate
func NewPipeline(inputSampleRate int, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if inputSampleRate <= 0 {
		return nil, fmt.Errorf("invalid input sample rate: %d", inputSampleRate)
	}

	resampler, err := NewResampler(inputSampleRate, OpusRate, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	return &Pipeline{
		inputSampleRate: inputSampleRate,
		resampler:       resampler,
		chunks:          NewChunkBuffer(OpusRate, FrameMs, logger),
		logger:          logger,
	}, nil
}

// Run reads PCM from r until EOF or ctx is done and calls onFrame for every
// complete frame. A clean EOF returns nil.
func (p *Pipeline) Run(ctx context.Context, r io.Reader, onFrame func([]float32)) error {
	// 20 ms of input per read keeps latency at one frame
	readSize := p.inputSampleRate * FrameMs / 1000 * 2
	buf := make([]byte, readSize)
	var carry []byte

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			even := len(data) &^ 1
			samples := bytesToInt16(data[:even])
			carry = append(carry[:0], data[even:]...)

			for _, frame := range p.processFrame(samples) {
				p.frames++
				onFrame(frame)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.logger.Debug("capture stream ended", "frames", p.frames)
				return nil
			}
			return fmt.Errorf("failed to read capture stream: %w", err)
		}
	}
}

// processFrame converts, resamples and re-chunks one block of samples
func (p *Pipeline) processFrame(samples []int16) [][]float32 {
	if len(samples) == 0 {
		return nil
	}
	floats := int16ToFloat32(samples)
	if p.inputSampleRate != OpusRate {
		floats = p.resampler.Resample(floats)
	}
	return p.chunks.Add(floats)
}

// Frames returns how many frames were produced
func (p *Pipeline) Frames() int {
	return p.frames
}

func bytesToInt16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// int16ToFloat32 converts int16 PCM to float32 [-1.0, 1.0]
func int16ToFloat32(samples []int16) []float32 {
	result := make([]float32, len(samples))
	for i, sample := range samples {
		result[i] = float32(sample) / 32768.0
	}
	return result
}

// Resampler converts between sample rates with linear interpolation. The
// last input sample is carried so consecutive blocks join without a seam.
type Resampler struct {
	inputRate  int
	outputRate int
	ratio      float64
	logger     *slog.Logger
	pos        float64 // read position carried across blocks, in input samples
	last       float32
	primed     bool
}

// NewResampler creates a new resampler
func NewResampler(inputRate, outputRate int, logger *slog.Logger) (*Resampler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", inputRate, outputRate)
	}

	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		ratio:      float64(outputRate) / float64(inputRate),
		logger:     logger,
	}, nil
}

// Resample converts one block. Output length tracks the rate ratio across
// calls rather than per block.
func (r *Resampler) Resample(input []float32) []float32 {
	if len(input) == 0 {
		return []float32{}
	}
	if r.inputRate == r.outputRate {
		out := make([]float32, len(input))
		copy(out, input)
		return out
	}

	// The previous block's last sample is index 0 so interpolation can
	// straddle the boundary.
	src := input
	if r.primed {
		src = append([]float32{r.last}, input...)
	}

	step := 1 / r.ratio
	last := float64(len(src) - 1)
	output := make([]float32, 0, int(float64(len(input))*r.ratio)+1)
	pos := r.pos
	for pos <= last {
		idx := int(pos)
		frac := float32(pos - float64(idx))
		if idx+1 < len(src) {
			output = append(output, src[idx]*(1-frac)+src[idx+1]*frac)
		} else {
			output = append(output, src[idx])
		}
		pos += step
	}

	r.pos = pos - last
	r.last = input[len(input)-1]
	r.primed = true
	return output
}

// ChunkBuffer buffers audio frames into fixed-size chunks
type ChunkBuffer struct {
	chunkSize int
	buffer    []float32
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewChunkBuffer creates a new chunk buffer
func NewChunkBuffer(sampleRate, chunkDurationMs int, logger *slog.Logger) *ChunkBuffer {
	if logger == nil {
		logger = slog.Default()
	}

	// 48kHz, 20ms → 960 samples
	chunkSize := (sampleRate * chunkDurationMs) / 1000

	return &ChunkBuffer{
		chunkSize: chunkSize,
		buffer:    make([]float32, 0, chunkSize),
		logger:    logger,
	}
}

// Add adds samples to the buffer and returns complete chunks
func (cb *ChunkBuffer) Add(samples []float32) [][]float32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buffer = append(cb.buffer, samples...)

	var chunks [][]float32
	for len(cb.buffer) >= cb.chunkSize {
		chunk := make([]float32, cb.chunkSize)
		copy(chunk, cb.buffer[:cb.chunkSize])
		chunks = append(chunks, chunk)
		cb.buffer = cb.buffer[cb.chunkSize:]
	}

	return chunks
}

// Flush returns remaining samples as a partial chunk
func (cb *ChunkBuffer) Flush() []float32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(cb.buffer) == 0 {
		return []float32{}
	}

	chunk := make([]float32, len(cb.buffer))
	copy(chunk, cb.buffer)
	cb.buffer = cb.buffer[:0]

	return chunk
}

// Reset clears the buffer
func (cb *ChunkBuffer) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.buffer = cb.buffer[:0]
}

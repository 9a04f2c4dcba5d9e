package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInt16ToFloat32Conversion(t *testing.T) {
	tests := []struct {
		name     string
		input    []int16
		expected []float32
	}{
		{
			name:     "zero",
			input:    []int16{0},
			expected: []float32{0.0},
		},
		{
			name:     "max positive",
			input:    []int16{32767},
			expected: []float32{0.999939},
		},
		{
			name:     "max negative",
			input:    []int16{-32768},
			expected: []float32{-1.0},
		},
		{
			name:     "mixed",
			input:    []int16{0, 16384, -16384},
			expected: []float32{0.0, 0.5, -0.5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := int16ToFloat32(tt.input)

			if len(result) != len(tt.expected) {
				t.Errorf("length mismatch: got %d, want %d", len(result), len(tt.expected))
				return
			}

			for i, val := range result {
				if abs(val-tt.expected[i]) > 0.0001 {
					t.Errorf("sample %d: got %f, want %f", i, val, tt.expected[i])
				}
			}
		})
	}
}

func TestResampling_Downsample(t *testing.T) {
	resampler, err := NewResampler(48000, 24000, slog.Default())
	if err != nil {
		t.Fatalf("failed to create resampler: %v", err)
	}

	// 4800 samples @ 48kHz (100ms) → 2400 samples @ 24kHz
	input := make([]float32, 4800)
	for i := range input {
		input[i] = 0.5
	}

	output := resampler.Resample(input)
	if len(output) != 2400 {
		t.Errorf("output size mismatch: got %d, want 2400", len(output))
	}
	for i, val := range output {
		if abs(val-0.5) > 0.01 {
			t.Errorf("sample %d: got %f, want ~0.5", i, val)
		}
	}
}

func TestResampling_UpsampleTracksRatioAcrossBlocks(t *testing.T) {
	resampler, _ := NewResampler(16000, 48000, slog.Default())

	total := 0
	for i := 0; i < 50; i++ {
		block := make([]float32, 320) // 20ms @ 16kHz
		total += len(resampler.Resample(block))
	}

	// 1s of input must produce 1s of output within one block boundary
	if total < 47990 || total > 48002 {
		t.Errorf("total output = %d, want ~48000", total)
	}
}

func TestResamplingEmpty(t *testing.T) {
	resampler, _ := NewResampler(48000, 24000, slog.Default())

	if output := resampler.Resample([]float32{}); len(output) != 0 {
		t.Errorf("expected empty output, got %d samples", len(output))
	}
}

func TestNewResampler_InvalidRates(t *testing.T) {
	if _, err := NewResampler(0, 48000, nil); err == nil {
		t.Error("expected error for zero input rate")
	}
}

func TestChunkBuffer(t *testing.T) {
	// 48kHz, 20ms chunks = 960 samples
	cb := NewChunkBuffer(48000, 20, slog.Default())

	chunks := cb.Add(make([]float32, 960))
	if len(chunks) != 1 || len(chunks[0]) != 960 {
		t.Fatalf("expected one 960-sample chunk, got %d", len(chunks))
	}

	if chunks = cb.Add(make([]float32, 480)); len(chunks) != 0 {
		t.Errorf("expected 0 chunks for partial, got %d", len(chunks))
	}
	if chunks = cb.Add(make([]float32, 480)); len(chunks) != 1 {
		t.Errorf("expected 1 chunk from accumulated partial, got %d", len(chunks))
	}
	if remaining := cb.Flush(); len(remaining) != 0 {
		t.Errorf("expected empty flush, got %d samples", len(remaining))
	}
}

func TestChunkBufferFlush(t *testing.T) {
	cb := NewChunkBuffer(48000, 20, slog.Default())
	cb.Add(make([]float32, 100))

	if flushed := cb.Flush(); len(flushed) != 100 {
		t.Errorf("flush size mismatch: got %d, want 100", len(flushed))
	}
	if flushed := cb.Flush(); len(flushed) != 0 {
		t.Errorf("expected empty second flush, got %d samples", len(flushed))
	}
}

// oddReader returns data in 3-byte pieces so samples straddle reads
type oddReader struct {
	data []byte
}

func (r *oddReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := 3
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestPipeline_FramesFromPCM(t *testing.T) {
	p, err := NewPipeline(48000, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	// 50ms of constant 16384 → two full 20ms frames, 10ms left buffered
	var buf bytes.Buffer
	for i := 0; i < 2400; i++ {
		binary.Write(&buf, binary.LittleEndian, int16(16384))
	}

	var frames [][]float32
	err = p.Run(context.Background(), &oddReader{data: buf.Bytes()}, func(f []float32) {
		frames = append(frames, f)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	for _, v := range frames[1] {
		if abs(v-0.5) > 0.0001 {
			t.Fatalf("sample = %f, want 0.5", v)
		}
	}
	if p.Frames() != 2 {
		t.Errorf("Frames() = %d", p.Frames())
	}
}

func TestPipeline_StopsOnContext(t *testing.T) {
	p, _ := NewPipeline(16000, nil)
	src, _ := SilenceSource{}.Start(context.Background(), CaptureConfig{SampleRate: 16000})
	defer src.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	frames := 0
	err := p.Run(ctx, src, func([]float32) { frames++ })
	if err == nil {
		t.Fatal("expected context error")
	}
	if frames == 0 {
		t.Error("expected silence frames before cancellation")
	}
}

func TestFFmpegSource_StartReadAndStop(t *testing.T) {
	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nprintf 'hello'\nsleep 2\n")
	source := NewFFmpegSource(script)

	stream, err := source.Start(context.Background(), CaptureConfig{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	buf := make([]byte, 8)
	n, _ := stream.Read(buf)
	if !strings.Contains(string(buf[:n]), "hello") {
		t.Fatalf("unexpected bytes: %q", string(buf[:n]))
	}
	if err := stream.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestFFmpegSource_EarlyExit(t *testing.T) {
	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'no such device' 1>&2\nexit 1\n")
	source := NewFFmpegSource(script)

	_, err := source.Start(context.Background(), CaptureConfig{})
	if err == nil {
		t.Fatal("expected early exit error")
	}
	if !strings.Contains(err.Error(), "no such device") {
		t.Errorf("error should carry stderr, got %v", err)
	}
}

func TestDownmixAndLevelMeter(t *testing.T) {
	mono := Downmix([]float32{1.5, 1.5, -0.2, 0.2}, 2)
	if len(mono) != 2 || mono[0] != 1 || mono[1] != 0 {
		t.Errorf("Downmix = %v", mono)
	}

	meter := NewLevelMeter(nil)
	meter.Write("agent", []float32{0.1, -0.7, 0.3})
	meter.Write("agent", []float32{0.2})

	lvl, ok := meter.Level("agent")
	if !ok || lvl.Frames != 2 || abs(lvl.Peak-0.2) > 0.0001 {
		t.Errorf("Level = %+v, %v", lvl, ok)
	}
}

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o700); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func abs(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// CaptureConfig describes the PCM a Source must produce.
type CaptureConfig struct {
	SampleRate  int    // default 48000
	InputFormat string // ffmpeg -f value, default pulse
	InputDevice string // ffmpeg -i value, default "default"
}

// Stream is a running capture producing mono s16le PCM.
type Stream interface {
	io.Reader
	Stop() error
}

// Source opens microphone streams.
type Source interface {
	Start(ctx context.Context, cfg CaptureConfig) (Stream, error)
}

// FFmpegSource captures the microphone by running ffmpeg.
type FFmpegSource struct {
	command string
}

// NewFFmpegSource creates a source running command, "ffmpeg" when empty
func NewFFmpegSource(command string) *FFmpegSource {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFmpegSource{command: command}
}

func (s *FFmpegSource) Start(ctx context.Context, cfg CaptureConfig) (Stream, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = OpusRate
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", "1",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, s.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// A device that cannot be opened makes ffmpeg exit almost immediately
	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegStream{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

type ffmpegStream struct {
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegStream) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = ignoreExitErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.waitErr; ok {
				s.stopErr = ignoreExitErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = closeErr
		}
		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, bytes.TrimSpace(s.stderr.Bytes()))
		}
	})
	return s.stopErr
}

// ignoreExitErr treats a non-zero exit after interrupt as a clean stop
func ignoreExitErr(err error) error {
	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// SilenceSource produces paced digital silence. It stands in for a
// microphone on headless hosts.
type SilenceSource struct{}

func (SilenceSource) Start(ctx context.Context, cfg CaptureConfig) (Stream, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = OpusRate
	}
	ctx, cancel := context.WithCancel(ctx)
	return &silenceStream{
		ctx:    ctx,
		cancel: cancel,
		frame:  make([]byte, cfg.SampleRate*FrameMs/1000*2),
		ticker: time.NewTicker(FrameMs * time.Millisecond),
	}, nil
}

type silenceStream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	frame   []byte
	ticker  *time.Ticker
	pending int
}

func (s *silenceStream) Read(p []byte) (int, error) {
	if s.pending == 0 {
		select {
		case <-s.ctx.Done():
			return 0, io.EOF
		case <-s.ticker.C:
			s.pending = len(s.frame)
		}
	}
	n := copy(p, s.frame[:s.pending])
	s.pending -= n
	return n, nil
}

func (s *silenceStream) Stop() error {
	s.cancel()
	s.ticker.Stop()
	return nil
}

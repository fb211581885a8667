package services

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"mp3converter/models"
)

// CommandRunner runs external commands. Tests swap in a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecCommandRunner is the production implementation using os/exec
type ExecCommandRunner struct{}

// Run executes a command. On failure the tail of its output is folded into the error.
func (r *ExecCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, tail(string(out), 512))
	}
	return nil
}

func (r *ExecCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Extractor pulls the audio track out of a video file with ffmpeg.
type Extractor struct {
	ffmpegPath string
	bitrate    string
	runner     CommandRunner
}

type ExtractorOption func(*Extractor)

func WithFFmpegPath(path string) ExtractorOption {
	return func(e *Extractor) {
		e.ffmpegPath = path
	}
}

func WithBitrate(bitrate string) ExtractorOption {
	return func(e *Extractor) {
		e.bitrate = bitrate
	}
}

// WithCommandRunner sets a custom command runner (for testing)
func WithCommandRunner(runner CommandRunner) ExtractorOption {
	return func(e *Extractor) {
		e.runner = runner
	}
}

func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		ffmpegPath: "ffmpeg",
		bitrate:    "192k",
		runner:     &ExecCommandRunner{},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Extract writes the MP3 encoding of inputPath's audio to outputPath.
// Metadata is stripped and the encoder runs bit-exact, so the same
// input and settings give the same bytes.
func (e *Extractor) Extract(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-nostdin",
		"-i", inputPath,
		"-vn",                   // No video
		"-acodec", "libmp3lame", // MP3 codec
		"-ab", e.bitrate,
		"-map_metadata", "-1",
		"-fflags", "+bitexact",
		"-flags:a", "+bitexact",
		"-y", // Overwrite output file if it exists
		outputPath,
	}

	if err := e.runner.Run(ctx, e.ffmpegPath, args...); err != nil {
		return fmt.Errorf("%w: ffmpeg audio extraction failed: %w", models.ErrTransform, err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("%w: ffmpeg produced no output: %w", models.ErrTransform, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: ffmpeg produced an empty file (no audio track?)", models.ErrTransform)
	}

	return nil
}

// VerifyInstalled checks that ffmpeg is available
func (e *Extractor) VerifyInstalled(ctx context.Context) error {
	if _, err := e.runner.Output(ctx, e.ffmpegPath, "-version"); err != nil {
		return fmt.Errorf("ffmpeg not found or not executable: %w", err)
	}
	return nil
}

package tools

import (
	"context"
	"fmt"
	"os"
)

// FFmpeg transcodes audio into the canonical delivery format.
type FFmpeg struct {
	Binary string
	Runner Runner
}

func NewFFmpeg(binary string, runner Runner) *FFmpeg {
	return &FFmpeg{Binary: binary, Runner: runner}
}

// Transcode writes a 44.1kHz stereo 192kbps mp3 of in to out.
func (f *FFmpeg) Transcode(ctx context.Context, in, out string) error {
	_, _, err := f.Runner.Run(ctx, f.Binary,
		"-y",
		"-i", in,
		"-vn",
		"-ar", "44100",
		"-ac", "2",
		"-b:a", "192k",
		out,
	)
	if err != nil {
		return err
	}

	if _, err := os.Stat(out); err != nil {
		return fmt.Errorf("%s produced no output: %w", f.Binary, err)
	}
	return nil
}

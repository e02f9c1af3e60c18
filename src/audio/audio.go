// Package audio turns local media files into an opus stream for a voice
// session, using ffmpeg for decode and encode.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

const (
	chunkSize = 1024
	frameTick = 20 * time.Millisecond
)

// Stream transcodes the file at path to opus and hands chunks to send at
// the voice frame cadence. It returns when the file ends, send fails, or
// the context is cancelled.
//
// TODO: parse the ogg container into discrete opus packets instead of
// fixed-size chunks.
func Stream(ctx context.Context, path string, send func([]byte) error) error {
	cmd := exec.CommandContext(ctx,
		"ffmpeg",
		"-i", path,
		"-ac", "2", // stereo
		"-ar", "48000", // 48kHz, the voice clock rate
		"-c:a", "libopus",
		"-f", "opus",
		"-", // stream to stdout
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("audio: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("audio: start ffmpeg: %w", err)
	}
	defer cmd.Wait()

	ticker := time.NewTicker(frameTick)
	defer ticker.Stop()

	buf := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if err := send(chunk); err != nil {
					return err
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("audio: read ffmpeg output: %w", err)
			}
		}
	}
}

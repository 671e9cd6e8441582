package wav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"node.town/speechbuf/pcm"
)

// ChunkSize is the number of bytes in d worth of f, rounded down to whole
// frames and never less than one frame.
func ChunkSize(f pcm.Format, d time.Duration) int {
	size := f.BytesPerMillisecond() * uint64(d/time.Millisecond)
	if size < f.BlockAlign() {
		size = f.BlockAlign()
	}
	return int(size - size%f.BlockAlign())
}

// Pump copies audio from r to w in chunks of the given duration. With
// realtime set it writes one chunk per chunk duration, the way a capture
// device would deliver it. A trailing partial frame is dropped. w must not
// retain the slices it is given.
func Pump(
	ctx context.Context,
	r io.Reader,
	w io.Writer,
	f pcm.Format,
	chunk time.Duration,
	realtime bool,
) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}

	buf := make([]byte, ChunkSize(f, chunk))
	block := int(f.BlockAlign())

	var ticker *time.Ticker
	if realtime {
		ticker = time.NewTicker(chunk)
		defer ticker.Stop()
	}

	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		n, err := io.ReadFull(r, buf)
		eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !eof {
			return total, fmt.Errorf("failed to read audio: %w", err)
		}

		n -= n % block
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("failed to write audio: %w", err)
			}
			total += int64(n)
		}
		if eof {
			return total, nil
		}

		if ticker != nil {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

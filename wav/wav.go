package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"node.town/speechbuf/pcm"
)

const formatPCM = 1

// MaxDataSize is the most audio a canonical header can describe. The RIFF
// size field covers the data plus the 36 header bytes after it.
const MaxDataSize = math.MaxUint32 - 36

// unknownDataSize is what streaming writers put in the data chunk header
// when they cannot seek back to fill it in.
const unknownDataSize = math.MaxUint32

var (
	ErrNotWAV   = errors.New("not a RIFF/WAVE stream")
	ErrTooLarge = errors.New("audio too large for a WAV header")
)

type Header struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

func (h Header) Format() pcm.Format {
	return pcm.Format{
		Channels:      uint(h.NumChannels),
		BitsPerSample: uint(h.BitsPerSample),
		SampleRate:    uint(h.SampleRate),
	}
}

// Samples limits r, positioned by ParseHeader, to the data chunk so that
// trailing chunks such as LIST or id3 are not read as audio. Streamed files
// with a zero or unknown data size are read to the end.
func (h Header) Samples(r io.Reader) io.Reader {
	if h.DataSize == 0 || h.DataSize == unknownDataSize {
		return r
	}
	return io.LimitReader(r, int64(h.DataSize))
}

type chunkHeader struct {
	ID   [4]byte
	Size uint32
}

type fmtChunk struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// ParseHeader reads up to the start of the data chunk, leaving r positioned
// at the first sample. Chunks other than "fmt " and "data" are skipped.
func ParseHeader(r io.Reader) (Header, error) {
	var riff struct {
		ID   [4]byte
		Size uint32
		Wave [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return Header{}, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Wave[:]) != "WAVE" {
		return Header{}, ErrNotWAV
	}

	var h Header
	var haveFmt bool
	for {
		var ch chunkHeader
		if err := binary.Read(r, binary.LittleEndian, &ch); err != nil {
			return Header{}, fmt.Errorf("failed to read chunk header: %w", err)
		}

		switch string(ch.ID[:]) {
		case "fmt ":
			if ch.Size < 16 {
				return Header{}, fmt.Errorf("fmt chunk too short: %d bytes", ch.Size)
			}
			var f fmtChunk
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return Header{}, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if err := skip(r, int64(ch.Size)-16+int64(ch.Size%2)); err != nil {
				return Header{}, err
			}
			if f.AudioFormat != formatPCM {
				return Header{}, fmt.Errorf(
					"unsupported audio format: %d (only PCM is supported)",
					f.AudioFormat,
				)
			}
			h = Header{
				AudioFormat:   f.AudioFormat,
				NumChannels:   f.NumChannels,
				SampleRate:    f.SampleRate,
				ByteRate:      f.ByteRate,
				BlockAlign:    f.BlockAlign,
				BitsPerSample: f.BitsPerSample,
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return Header{}, fmt.Errorf("data chunk before fmt chunk")
			}
			h.DataSize = ch.Size
			return h, nil

		default:
			if err := skip(r, int64(ch.Size)+int64(ch.Size%2)); err != nil {
				return Header{}, err
			}
		}
	}
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("failed to skip %d bytes: %w", n, err)
	}
	return nil
}

// WriteHeader writes a canonical 44 byte header for dataSize bytes of f.
func WriteHeader(w io.Writer, f pcm.Format, dataSize uint64) error {
	if dataSize > MaxDataSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, dataSize)
	}
	blockAlign := uint16(f.BlockAlign())
	header := struct {
		RiffID   [4]byte
		RiffSize uint32
		Wave     [4]byte
		FmtID    [4]byte
		FmtSize  uint32
		Fmt      fmtChunk
		DataID   [4]byte
		DataSize uint32
	}{
		RiffID:   [4]byte{'R', 'I', 'F', 'F'},
		RiffSize: 36 + uint32(dataSize),
		Wave:     [4]byte{'W', 'A', 'V', 'E'},
		FmtID:    [4]byte{'f', 'm', 't', ' '},
		FmtSize:  16,
		Fmt: fmtChunk{
			AudioFormat:   formatPCM,
			NumChannels:   uint16(f.Channels),
			SampleRate:    uint32(f.SampleRate),
			ByteRate:      uint32(f.SampleRate) * uint32(blockAlign),
			BlockAlign:    blockAlign,
			BitsPerSample: uint16(f.BitsPerSample),
		},
		DataID:   [4]byte{'d', 'a', 't', 'a'},
		DataSize: uint32(dataSize),
	}

	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}
	return nil
}

package pcm

import (
	"errors"
	"fmt"
)

const (
	MillisecondsInSecond = 1000
	TicksPerMillisecond  = 10000
	TicksPerSecond       = TicksPerMillisecond * MillisecondsInSecond
)

var ErrUnsupportedFormat = errors.New("unsupported pcm format")

// Format describes interleaved PCM audio, the fields of a WAVEFORMATEX
// header that matter for byte accounting.
type Format struct {
	Channels      uint
	BitsPerSample uint
	SampleRate    uint
}

var Format16kHz16BitMono = Format{
	Channels:      1,
	BitsPerSample: 16,
	SampleRate:    16000,
}

// Validate requires a whole number of samples per millisecond and whole
// bytes per sample.
func (f Format) Validate() error {
	if f.Channels == 0 {
		return fmt.Errorf("%w: channel count must be positive", ErrUnsupportedFormat)
	}
	if f.SampleRate == 0 || f.SampleRate%MillisecondsInSecond != 0 {
		return fmt.Errorf(
			"%w: sample rate %d is not a whole number of samples per millisecond, please resample",
			ErrUnsupportedFormat,
			f.SampleRate,
		)
	}
	if f.BitsPerSample == 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf(
			"%w: bits per sample %d is not divisible by 8",
			ErrUnsupportedFormat,
			f.BitsPerSample,
		)
	}
	return nil
}

func (f Format) BytesPerSample() uint64 {
	return uint64(f.BitsPerSample / 8)
}

func (f Format) SamplesPerMillisecond() uint64 {
	return uint64(f.SampleRate / MillisecondsInSecond)
}

// BlockAlign is the size of one frame: one sample for every channel.
func (f Format) BlockAlign() uint64 {
	return uint64(f.Channels) * f.BytesPerSample()
}

// BytesPerMillisecond is zero for formats that fail Validate.
func (f Format) BytesPerMillisecond() uint64 {
	return f.BlockAlign() * f.SamplesPerMillisecond()
}

func (f Format) String() string {
	return fmt.Sprintf("%dch/%dbit/%dHz", f.Channels, f.BitsPerSample, f.SampleRate)
}
